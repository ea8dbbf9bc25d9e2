package p2p

import (
	"context"
	"fmt"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/swapflow/executor/pkg/broadcast"
)

// Broadcaster fans order events out across processes over a GossipSub
// topic. Local subscribers are served by a Hub; events published here reach
// them directly and every other node through the topic.
type Broadcaster struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	local *broadcast.Hub
	log   *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func New(ctx context.Context, cfg Config, local *broadcast.Hub) (*Broadcaster, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	for _, addr := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, addr); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", addr, "err", err)
		}
	}

	topic, err := ps.Join(broadcast.Topic)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	b := &Broadcaster{
		h:      h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		local:  local,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.run(runCtx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", broadcast.Topic)
	return b, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Publish delivers e to local subscribers and gossips it to peers.
func (b *Broadcaster) Publish(ctx context.Context, e broadcast.Event) error {
	if err := b.local.Publish(ctx, e); err != nil {
		return err
	}
	data, err := encodeEvent(e)
	if err != nil {
		return err
	}
	if err := b.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("gossip publish: %w", err)
	}
	return nil
}

func (b *Broadcaster) Subscribe(orderID string) (*broadcast.Subscription, error) {
	return b.local.Subscribe(orderID)
}

// Addrs returns dialable multiaddrs (with /p2p/ suffix) for this node.
func (b *Broadcaster) Addrs() []string {
	suffix := "/p2p/" + b.h.ID().String()
	out := make([]string, 0, len(b.h.Addrs()))
	for _, a := range b.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// Peers is the number of connected peers.
func (b *Broadcaster) Peers() int { return len(b.h.Network().Peers()) }

func (b *Broadcaster) Close() error {
	b.cancel()
	b.sub.Cancel()
	<-b.done
	if err := b.topic.Close(); err != nil {
		b.log.Debugw("topic_close_failed", "err", err)
	}
	return b.h.Close()
}

// inbound

func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.done)
	self := b.h.ID()
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue // already delivered locally
		}
		e, err := decodeEvent(msg.Data)
		if err != nil {
			b.log.Debugw("gossip_event_invalid", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		b.local.Dispatch(e)
	}
}

var _ broadcast.Broadcaster = (*Broadcaster)(nil)
