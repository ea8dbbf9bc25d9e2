package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/swapflow/executor/pkg/broadcast"
)

const wireVersion = 1

// eventWire is the gossip payload. Version lets nodes skip payloads from a
// newer format instead of misreading them.
type eventWire struct {
	V     int             `json:"v"`
	Event broadcast.Event `json:"event"`
}

func encodeEvent(e broadcast.Event) ([]byte, error) {
	return json.Marshal(eventWire{V: wireVersion, Event: e})
}

func decodeEvent(b []byte) (broadcast.Event, error) {
	var w eventWire
	if err := json.Unmarshal(b, &w); err != nil {
		return broadcast.Event{}, err
	}
	if w.V != wireVersion {
		return broadcast.Event{}, fmt.Errorf("unsupported wire version %d", w.V)
	}
	if w.Event.OrderID == "" {
		return broadcast.Event{}, fmt.Errorf("event without order id")
	}
	return w.Event, nil
}
