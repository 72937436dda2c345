// Package worker keeps every node's rule tables and policy cache in step
// with changes made on other nodes, driven by the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

// Invalidator drops cached policy bodies.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) error
}

// Worker applies cluster change events to the local node.
type Worker struct {
	bus         domain.EventBus
	repo        domain.Repository
	engine      *rules.Engine
	invalidator Invalidator
	nodeID      string

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker. Events published by nodeID are ignored.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *rules.Engine, invalidator Invalidator, nodeID string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		repo:        repo,
		engine:      engine,
		invalidator: invalidator,
		nodeID:      nodeID,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the cluster change topics.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	handlers := map[string]domain.MessageHandler{
		domain.TopicRulesUpdated:  w.handleRulesUpdated,
		domain.TopicPolicyUpdated: w.handlePolicyUpdated,
	}
	for _, topic := range []string{domain.TopicRulesUpdated, domain.TopicPolicyUpdated} {
		sub, err := w.bus.Subscribe(w.ctx, domain.ClusterTenant, topic, handlers[topic])
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("cluster worker started",
		"node_id", w.nodeID,
		"topics", len(w.subscriptions),
	)
	return nil
}

// LoadStoredRules compiles the stored rule table of every tenant. Tables
// that fail to compile are logged and skipped.
func (w *Worker) LoadStoredRules(ctx context.Context) (int, error) {
	tenants, err := w.repo.ListRuleTenants(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, tenantID := range tenants {
		if err := w.reloadTenant(ctx, tenantID); err != nil {
			slog.Error("failed to load stored rules",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (w *Worker) reloadTenant(ctx context.Context, tenantID string) error {
	stored, err := w.repo.GetCirculationRules(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		w.engine.Remove(tenantID)
		return nil
	}
	if err != nil {
		return err
	}
	return w.engine.Load(tenantID, stored.Text)
}

func (w *Worker) handleRulesUpdated(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var event domain.RulesUpdatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse rules event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.NodeID == w.nodeID {
		return nil
	}

	if err := w.reloadTenant(ctx, event.TenantID); err != nil {
		slog.Error("failed to reload rules",
			"tenant_id", event.TenantID,
			"error", err,
		)
		return err
	}

	slog.Info("rules reloaded from cluster event",
		"tenant_id", event.TenantID,
		"origin_node", event.NodeID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) handlePolicyUpdated(ctx context.Context, msg *domain.Message) error {
	var event domain.PolicyUpdatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse policy event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.NodeID == w.nodeID || w.invalidator == nil {
		return nil
	}

	if err := w.invalidator.Invalidate(ctx, event.TenantID, event.Kind, event.PolicyID); err != nil {
		slog.Error("failed to invalidate policy",
			"tenant_id", event.TenantID,
			"policy_id", event.PolicyID,
			"error", err,
		)
		return err
	}

	slog.Debug("policy invalidated from cluster event",
		"tenant_id", event.TenantID,
		"kind", event.Kind,
		"policy_id", event.PolicyID,
	)
	return nil
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("cluster worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	NodeID            string   `json:"nodeId"`
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		NodeID:            w.nodeID,
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
