package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapflow/executor/pkg/broadcast"
	"github.com/swapflow/executor/pkg/metrics"
	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/queue"
	"github.com/swapflow/executor/pkg/storage"
	"github.com/swapflow/executor/pkg/subscription"
)

type fakeJobs struct {
	mu       sync.Mutex
	enqueued []string
	failed   []queue.Job
	err      error
}

func (f *fakeJobs) Enqueue(orderID string) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Job{}, f.err
	}
	f.enqueued = append(f.enqueued, orderID)
	return queue.Job{ID: "job-" + orderID, OrderID: orderID, Attempt: 1, MaxAttempts: 3}, nil
}

func (f *fakeJobs) Failed() []queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.Job(nil), f.failed...)
}

type testEnv struct {
	srv   *httptest.Server
	store *storage.MemoryStore
	hub   *broadcast.Hub
	jobs  *fakeJobs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := storage.NewMemoryStore()
	hub := broadcast.NewHub(64, nil, m)
	mux := subscription.New(store, hub, nil, m)
	jobs := &fakeJobs{}

	s := NewServer(Config{
		Store:         store,
		Events:        hub,
		Jobs:          jobs,
		Subscriptions: mux,
		Gatherer:      reg,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		mux.Close()
		hub.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, store: store, hub: hub, jobs: jobs}
}

func (e *testEnv) post(t *testing.T, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+executePath, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + executePath + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestExecuteOrder_Accepted(t *testing.T) {
	env := newTestEnv(t)
	all, err := env.hub.Subscribe("")
	require.NoError(t, err)

	resp, body := env.post(t, `{"inputToken":"SOL","outputToken":"USDC","amount":1.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	id, _ := body["orderId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, executePath+"?orderId="+id, body["websocket"])

	o, err := env.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "1.5", o.Amount.String())
	assert.Equal(t, []string{id}, env.jobs.enqueued)

	select {
	case e := <-all.C():
		assert.Equal(t, id, e.OrderID)
		assert.Equal(t, order.StatusPending, e.Status)
		assert.Equal(t, "Order queued for processing", e.Message)
		assert.Equal(t, 1, e.Seq)
	case <-time.After(time.Second):
		t.Fatal("PENDING was not published")
	}
}

func TestExecuteOrder_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"zero amount", `{"inputToken":"SOL","outputToken":"USDC","amount":0}`},
		{"negative amount", `{"inputToken":"SOL","outputToken":"USDC","amount":-3}`},
		{"tiny negative amount", `{"inputToken":"SOL","outputToken":"USDC","amount":"-1e-400"}`},
		{"missing amount", `{"inputToken":"SOL","outputToken":"USDC"}`},
		{"missing input", `{"outputToken":"USDC","amount":1}`},
		{"empty output", `{"inputToken":"SOL","outputToken":"","amount":1}`},
		{"not json", `amount=1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "Invalid payload", body["error"])
		})
	}
	assert.Empty(t, env.jobs.enqueued)
}

func TestExecuteOrder_TinyAmount(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.post(t, `{"inputToken":"SOL","outputToken":"USDC","amount":"1e-400"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	o, err := env.store.FindByID(context.Background(), body["orderId"].(string))
	require.NoError(t, err)
	assert.True(t, o.Amount.IsPositive())
	assert.True(t, o.Amount.Equal(decimal.New(1, -400)))
}

func TestExecuteOrder_QueueUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.err = queue.ErrQueueFull

	resp, _ := env.post(t, `{"inputToken":"SOL","outputToken":"USDC","amount":2}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	orders, err := env.store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusFailed, orders[0].Status)
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.post(t, `{"inputToken":"SOL","outputToken":"USDC","amount":2}`)
	id := body["orderId"].(string)

	resp, err := http.Get(env.srv.URL + "/api/orders/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var o order.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&o))
	assert.Equal(t, id, o.ID)
	assert.Len(t, o.Logs, 1)

	resp, err = http.Get(env.srv.URL + "/api/orders/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailedJobs(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.failed = []queue.Job{{ID: "j1", OrderID: "o1", Attempt: 3, MaxAttempts: 3, LastError: "boom"}}

	resp, err := http.Get(env.srv.URL + "/api/jobs/failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out FailedJobsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "boom", out.Jobs[0].LastError)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.dial(t, "?orderId=o1")
	require.Eventually(t, func() bool {
		resp, err := http.Get(env.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(data), "executor_subscriptions_active 1")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocket_UpgradeRequired(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + executePath + "?orderId=o1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "WebSocket upgrade required", body.Error)
}

func TestWebSocket_MissingOrderID(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "orderId is required to subscribe", ce.Text)
}

func TestWebSocket_SnapshotThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.post(t, `{"inputToken":"SOL","outputToken":"USDC","amount":2}`)
	id := body["orderId"].(string)

	conn := env.dial(t, "?orderId="+id)
	snap := readJSON(t, conn)
	assert.Equal(t, id, snap["orderId"])
	assert.Equal(t, "PENDING", snap["status"])
	assert.Equal(t, "Current status: PENDING", snap["message"])
	assert.Len(t, snap["executionLogs"], 1)

	var (
		entry order.LogEntry
		seq   int
	)
	_, err := env.store.Update(context.Background(), id, func(o *order.Order) error {
		var err error
		entry, seq, err = o.Transition(order.StatusRouting, "Finding best route...", time.Now())
		return err
	})
	require.NoError(t, err)
	require.NoError(t, env.hub.Publish(context.Background(), broadcast.EventFromEntry(id, entry, seq)))

	update := readJSON(t, conn)
	assert.Equal(t, "ROUTING", update["status"])
	assert.Equal(t, "Finding best route...", update["message"])
	assert.EqualValues(t, 2, update["seq"])
}

func TestWebSocket_OtherOrdersFiltered(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?orderId=mine")

	require.Eventually(t, func() bool { return env.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.hub.Publish(context.Background(), broadcast.Event{OrderID: "theirs", Status: order.StatusRouting, Seq: 2}))
	require.NoError(t, env.hub.Publish(context.Background(), broadcast.Event{OrderID: "mine", Status: order.StatusRouting, Seq: 2}))

	msg := readJSON(t, conn)
	assert.Equal(t, "mine", msg["orderId"])
}
