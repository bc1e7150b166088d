package feed

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

const (
	channelTicks    = "ticks"
	channelAccounts = "accounts"
	channelPong     = "pong"
)

// Book is an order book snapshot, [price, qty] pairs sorted best-first.
type Book struct {
	Bids [][2]float64 `json:"bids" msgpack:"bids"`
	Asks [][2]float64 `json:"asks" msgpack:"asks"`
}

type Tick struct {
	Symbol string  `json:"symbol" msgpack:"symbol"`
	Price  float64 `json:"price" msgpack:"price"`
	Volume float64 `json:"volume" msgpack:"volume"`
	Book   *Book   `json:"book,omitempty" msgpack:"book,omitempty"`
}

type SnapshotPosition struct {
	Symbol     string  `json:"symbol" msgpack:"symbol"`
	Size       float64 `json:"size" msgpack:"size"`
	MarkPrice  float64 `json:"mark_price" msgpack:"mark_price"`
	EntryPrice float64 `json:"entry_price" msgpack:"entry_price"`
}

type AccountSnapshot struct {
	AccountID string             `json:"account_id" msgpack:"account_id"`
	Exchange  string             `json:"exchange" msgpack:"exchange"`
	Equity    float64            `json:"equity" msgpack:"equity"`
	DailyPnL  float64            `json:"daily_pnl" msgpack:"daily_pnl"`
	Positions []SnapshotPosition `json:"positions" msgpack:"positions"`
}

type jsonFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type packFrame struct {
	Channel string             `msgpack:"channel"`
	Data    msgpack.RawMessage `msgpack:"data"`
}

// dispatch decodes one wire frame and routes it. Binary frames are
// msgpack, text frames JSON; both carry the same envelope.
func dispatch(msgType websocket.MessageType, data []byte, h Handlers) error {
	switch msgType {
	case websocket.MessageBinary:
		var frame packFrame
		if err := msgpack.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("msgpack envelope: %w", err)
		}
		return route(frame.Channel, func(out any) error {
			return msgpack.Unmarshal(frame.Data, out)
		}, h)
	case websocket.MessageText:
		var frame jsonFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("json envelope: %w", err)
		}
		return route(frame.Channel, func(out any) error {
			return json.Unmarshal(frame.Data, out)
		}, h)
	default:
		return fmt.Errorf("unsupported message type %v", msgType)
	}
}

func route(channel string, decode func(any) error, h Handlers) error {
	switch channel {
	case channelTicks:
		var tick Tick
		if err := decode(&tick); err != nil {
			return fmt.Errorf("tick payload: %w", err)
		}
		if h.OnTick != nil {
			h.OnTick(tick)
		}
		return nil
	case channelAccounts:
		var snap AccountSnapshot
		if err := decode(&snap); err != nil {
			return fmt.Errorf("account payload: %w", err)
		}
		if h.OnAccount != nil {
			h.OnAccount(snap)
		}
		return nil
	case channelPong:
		return nil
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}
}
