// Command seed submits a batch of concurrent swap orders to a running
// executor and streams each one over WebSocket until it settles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swapflow/executor/pkg/api"
	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/util"
)

type update struct {
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status"`
	Message string       `json:"message"`
	TxHash  string       `json:"txHash"`
}

func main() {
	base := flag.String("url", "http://localhost:3000", "executor base URL")
	count := flag.Int("n", 5, "number of orders")
	input := flag.String("in", "SOL", "input token")
	output := flag.String("out", "USDC", "output token")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	logger, err := util.NewLogger("info")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	sugar.Infow("seeding_orders", "count", *count, "url", *base)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]order.Status, *count)
	for i := 0; i < *count; i++ {
		i := i
		amount := decimal.NewFromInt(int64(10 + i))
		g.Go(func() error {
			id, err := submit(gctx, *base, *input, *output, amount)
			if err != nil {
				return err
			}
			status, err := follow(gctx, *base, id, sugar.With("order_id", id))
			results[i] = status
			return err
		})
	}
	if err := g.Wait(); err != nil {
		sugar.Fatalw("seed_failed", "err", err)
	}

	summary := map[order.Status]int{}
	for _, s := range results {
		summary[s]++
	}
	sugar.Infow("all_orders_settled", "confirmed", summary[order.StatusConfirmed], "failed", summary[order.StatusFailed])
}

func submit(ctx context.Context, base, in, out string, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(api.ExecuteOrderRequest{InputToken: in, OutputToken: out, Amount: amount})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/orders/execute", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("submit order: %s: %s %s", resp.Status, e.Error, e.Message)
	}
	var ack api.ExecuteOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode ack: %w", err)
	}
	return ack.OrderID, nil
}

// follow streams one order until it reaches a terminal status.
func follow(ctx context.Context, base, orderID string, log *zap.SugaredLogger) (order.Status, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/orders/execute"
	u.RawQuery = url.Values{"orderId": {orderID}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", orderID, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg update
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("stream %s: %w", orderID, err)
		}
		log.Infow("order_update", "status", msg.Status, "message", msg.Message, "tx_hash", msg.TxHash)
		if msg.Status.IsTerminal() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return msg.Status, nil
		}
	}
}
