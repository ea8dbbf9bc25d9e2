package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapflow/executor/pkg/broadcast"
	"github.com/swapflow/executor/pkg/order"
)

func TestWireRoundTrip(t *testing.T) {
	e := broadcast.Event{
		OrderID:   "o1",
		Status:    order.StatusConfirmed,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Message:   "Swap confirmed. Final Price: 100.1000",
		TxHash:    "0xabc",
		Seq:       6,
	}
	data, err := encodeEvent(e)
	require.NoError(t, err)
	got, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestWireRejectsBadPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"garbage":     "not json",
		"new version": `{"v":2,"event":{"orderId":"o1"}}`,
		"no order":    `{"v":1,"event":{"status":"PENDING"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func newNode(t *testing.T, bootstrap ...string) (*Broadcaster, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(64, nil, nil)
	b, err := New(context.Background(), Config{
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		Bootstrap:  bootstrap,
	}, hub)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		hub.Close()
	})
	return b, hub
}

func TestPublishReachesLocalSubscribers(t *testing.T) {
	b, _ := newNode(t)
	sub, err := b.Subscribe("o1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), broadcast.Event{OrderID: "o1", Status: order.StatusRouting, Seq: 2}))

	select {
	case e := <-sub.C():
		assert.Equal(t, order.StatusRouting, e.Status)
	case <-time.After(time.Second):
		t.Fatal("no local delivery")
	}

	// the node's own gossip echo must not duplicate the event
	select {
	case e := <-sub.C():
		t.Fatalf("duplicate delivery: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublishCrossesNodes(t *testing.T) {
	a, _ := newNode(t)
	require.NotEmpty(t, a.Addrs())
	b, _ := newNode(t, a.Addrs()[0])

	sub, err := b.Subscribe("o1")
	require.NoError(t, err)

	// keep publishing until the gossip mesh has formed
	var got broadcast.Event
	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), broadcast.Event{OrderID: "o1", Status: order.StatusSubmitted, Seq: 5})
		select {
		case got = <-sub.C():
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, order.StatusSubmitted, got.Status)
	assert.Equal(t, 5, got.Seq)
	assert.GreaterOrEqual(t, b.Peers(), 1)
}
