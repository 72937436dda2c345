package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/heron/internal/domain"
)

// NATSBus carries cluster events between Heron nodes over NATS core
// subjects. Delivery is at most once: a node that misses a rules or policy
// event catches up when its cached entries expire or on restart.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	bus   *NATSBus
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS. The initial connection is retried
// NATSMaxReconnects times, NATSReconnectWait seconds apart; the same limits
// govern reconnects afterwards.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	conn, err := connectNATS(cfg.NATSUrl, cfg.NATSMaxReconnects, wait, natsOptions(cfg, wait))
	if err != nil {
		return nil, err
	}
	slog.Info("NATS connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())

	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}, nil
}

func natsOptions(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("heron"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected, cluster events paused", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("NATS error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

func connectNATS(url string, attempts int, wait time.Duration, opts []nats.Option) (*nats.Conn, error) {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var conn *nats.Conn
		if conn, err = nats.Connect(url, opts...); err == nil {
			return conn, nil
		}
		slog.Warn("NATS connection attempt failed", "attempt", attempt, "max_attempts", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
}

// encodeMessage wraps payload in the envelope every bus implementation
// hands to handlers.
func encodeMessage(tenantID, topic string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(&domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", topic, err)
	}
	return data, nil
}

// deliver decodes one NATS message and runs handler on it. Undecodable
// messages and handler failures are logged, never redelivered.
func deliver(ctx context.Context, subject string, data []byte, handler domain.MessageHandler) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("dropping undecodable NATS message", "subject", subject, "error", err)
		return
	}
	if err := handler(ctx, &msg); err != nil {
		slog.Error("cluster event handler failed",
			"subject", subject,
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Publish sends payload on the tenant's subject for topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	data, err := encodeMessage(tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(makeSubject(tenantID, topic), data)
}

// Subscribe runs handler for every message on the tenant's subject for topic.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	natsSub, err := b.conn.Subscribe(makeSubject(tenantID, topic), func(m *nats.Msg) {
		deliver(ctx, m.Subject, m.Data, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{bus: b, id: uuid.New().String(), topic: topic, sub: natsSub}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

// Ping flushes the connection, confirming the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so in-flight cluster events finish before
// it closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// subjectReplacer strips NATS token separators and wildcards from tenant ids.
var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// makeSubject is "heron.<tenant>.<topic>".
func makeSubject(tenantID, topic string) string {
	return "heron." + subjectReplacer.Replace(tenantID) + "." + topic
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
