package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"studybuddy/logger"
	"studybuddy/tools/errs"
)

const subjectPrefix = "fanout.chat."

// Config for the NATS-backed bus.
type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	Buffer        int // per-subscription delivery buffer
}

// NatsBus maps one chat to one core NATS subject. Broadcast (queue-less)
// subscriptions so every interested instance sees every event; no JetStream —
// the durable record is the message store, not the bus.
type NatsBus struct {
	cfg Config
	nc  *nats.Conn
}

func NewNatsBus(cfg Config) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{cfg: cfg, nc: nc}, nil
}

func subjectFor(chatID string) string { return subjectPrefix + chatID }

func (b *NatsBus) Publish(_ context.Context, chatID string, ev Event) error {
	ev.ChatID = chatID
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(subjectFor(chatID), data)
}

func (b *NatsBus) Subscribe(chatID string) (<-chan Event, func(), error) {
	msgCh := make(chan *nats.Msg, b.cfg.Buffer)
	sub, err := b.nc.ChanSubscribe(subjectFor(chatID), msgCh)
	if err != nil {
		return nil, nil, err
	}
	_ = sub.SetPendingLimits(100_000, 32*1024*1024)

	out := make(chan Event, b.cfg.Buffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case m, ok := <-msgCh:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(m.Data, &ev); err != nil {
					logger.Warnf("[bus] bad event on %s: %v", m.Subject, err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Local buffer full: drop. Subscribers reconcile through
					// FetchSince, so a lost hint costs latency, not data.
					logger.Warnf("[bus] drop event chat=%s kind=%s", chatID, ev.Kind)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(done)
		})
	}
	return out, cancel, nil
}

func (b *NatsBus) Close() error {
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
