package feed

import (
	"encoding/json"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

func TestDispatchBinaryTick(t *testing.T) {
	payload, err := msgpack.Marshal(Tick{
		Symbol: "BTC",
		Price:  50000,
		Volume: 1.5,
		Book: &Book{
			Bids: [][2]float64{{49990, 2}},
			Asks: [][2]float64{{50010, 3}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := msgpack.Marshal(packFrame{Channel: "ticks", Data: payload})
	if err != nil {
		t.Fatal(err)
	}

	var got *Tick
	err = dispatch(websocket.MessageBinary, frame, Handlers{OnTick: func(tick Tick) { got = &tick }})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Symbol != "BTC" || got.Price != 50000 {
		t.Fatalf("tick = %+v", got)
	}
	if got.Book == nil || got.Book.Bids[0][0] != 49990 {
		t.Fatalf("book not decoded: %+v", got.Book)
	}
}

func TestDispatchTextAccount(t *testing.T) {
	frame := []byte(`{"channel":"accounts","data":{
		"account_id":"main","exchange":"binance","equity":25000,"daily_pnl":-120,
		"positions":[{"symbol":"ETH","size":-2,"mark_price":3500,"entry_price":3400}]
	}}`)

	var got *AccountSnapshot
	err := dispatch(websocket.MessageText, frame, Handlers{OnAccount: func(s AccountSnapshot) { got = &s }})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.AccountID != "main" || got.Equity != 25000 {
		t.Fatalf("snapshot = %+v", got)
	}
	if len(got.Positions) != 1 || got.Positions[0].Size != -2 {
		t.Fatalf("positions = %+v", got.Positions)
	}
}

func TestDispatchUnknownChannel(t *testing.T) {
	frame, _ := json.Marshal(jsonFrame{Channel: "candles", Data: []byte(`{}`)})
	if err := dispatch(websocket.MessageText, frame, Handlers{}); err == nil {
		t.Fatal("unknown channel should error")
	}
}

func TestDispatchPongIgnored(t *testing.T) {
	frame := []byte(`{"channel":"pong"}`)
	if err := dispatch(websocket.MessageText, frame, Handlers{}); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchNilHandlersDropFrame(t *testing.T) {
	frame := []byte(`{"channel":"ticks","data":{"symbol":"BTC","price":1}}`)
	if err := dispatch(websocket.MessageText, frame, Handlers{}); err != nil {
		t.Fatal(err)
	}
}
