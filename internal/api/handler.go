package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/duedate"
	"github.com/opensource-finance/heron/internal/overdue"
	"github.com/opensource-finance/heron/internal/resolver"
	"github.com/opensource-finance/heron/internal/rules"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// PolicyIndex answers whether a policy exists. Rule table validation uses it.
type PolicyIndex interface {
	Exists(ctx context.Context, tenantID string, kind domain.PolicyKind, policyID string) (bool, error)
}

// Dependencies are the collaborators of the API handlers. Items, Users and
// Index are optional.
type Dependencies struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Engine   *rules.Engine
	Resolver *resolver.Resolver
	Source   *resolver.CachedSource
	Index    PolicyIndex
	Items    domain.ItemSource
	Users    domain.UserSource
	DueDates *duedate.Calculator
	Overdue  *overdue.Calculator
	NodeID   string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	resolver *resolver.Resolver
	source   *resolver.CachedSource
	index    PolicyIndex
	items    domain.ItemSource
	users    domain.UserSource
	dueDates *duedate.Calculator
	overdue  *overdue.Calculator
	fines    overdue.FineCalculator
	nodeID   string
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	h := &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		source:   deps.Source,
		index:    deps.Index,
		items:    deps.Items,
		users:    deps.Users,
		dueDates: deps.DueDates,
		overdue:  deps.Overdue,
		nodeID:   deps.NodeID,
		version:  version,
	}
	if h.index == nil && h.source != nil {
		h.index = h.source
	}
	if h.dueDates == nil {
		h.dueDates = duedate.NewCalculator(nil)
	}
	if h.overdue == nil {
		h.overdue = overdue.NewCalculator(nil, nil)
	}
	return h
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"tenants": len(h.engine.Tenants()),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// publish announces a change to the other nodes. Failures are logged; the
// change itself has already been applied locally.
func (h *Handler) publish(ctx context.Context, topic string, event any) {
	if h.bus == nil {
		return
	}
	if err := bus.PublishEvent(ctx, h.bus, topic, event); err != nil {
		slog.Warn("failed to publish change event",
			"topic", topic,
			"tenant_id", GetTenantID(ctx),
			"error", err,
		)
	}
}

type errorBody struct {
	Message    string             `json:"message"`
	Parameters []domain.Parameter `json:"parameters,omitempty"`
	Line       int                `json:"line,omitempty"`
	Column     int                `json:"column,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err with the status domain.StatusCode assigns to it.
// Forwarded upstream failures are replayed verbatim.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.StatusCode(err)

	var (
		validation *domain.ValidationError
		parse      *domain.RuleParseError
		server     *domain.ServerError
		forwarded  *domain.ForwardedError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, status, errorBody{Message: validation.Message, Parameters: validation.Parameters})
	case errors.As(err, &parse):
		writeJSON(w, status, errorBody{Message: parse.Message, Line: parse.Line, Column: parse.Column})
	case errors.As(err, &server):
		slog.Error("request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
		writeJSON(w, status, errorBody{Message: server.Reason})
	case errors.As(err, &forwarded):
		contentType := forwarded.ContentType
		if contentType == "" {
			contentType = "text/plain"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		io.WriteString(w, forwarded.Body)
	default:
		if status >= http.StatusInternalServerError {
			slog.Error("request failed",
				"path", r.URL.Path,
				"tenant_id", GetTenantID(r.Context()),
				"error", err,
			)
		}
		writeJSON(w, status, errorBody{Message: err.Error()})
	}
}

// decodeJSON reads a JSON request body. Malformed input is a validation
// error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Message: fmt.Sprintf("invalid JSON request body: %v", err)}
	}
	return nil
}
