package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/resolver"
	"github.com/opensource-finance/heron/internal/rules"
)

const (
	tenantID  = "tenant-001"
	ruleTable = "priority: t, s, c, b, a, m, g\n" +
		"fallback-policy: l lp-fb r rp-fb n np-fb o op-fb i ip-fb\n" +
		"m dvd: l lp-fixed o op-hourly\n"
)

var (
	loanDate = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	staff    = &domain.User{ID: "user-1", PatronGroupID: "staff", Active: true}
)

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    *bus.ChannelBus
	engine *rules.Engine
}

func newTestEnv(t *testing.T, cfg domain.ServerConfig) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "heron-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatal(err)
	}

	lru := cache.NewLRUCache(100)
	source := resolver.NewCachedSource(resolver.RepositorySource{Repo: repo}, lru, time.Minute)

	server := NewServer(cfg, Dependencies{
		Repo:     repo,
		Cache:    lru,
		Bus:      eventBus,
		Engine:   engine,
		Resolver: resolver.New(resolver.EngineApplier{Engine: engine}, source),
		Source:   source,
		NodeID:   "node-test",
	}, "test-v1")

	return &testEnv{server: server, repo: repo, bus: eventBus, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, tenantID)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

// seed stores the policies, schedule and rule table used by the loan tests.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()

	policies := []struct {
		kind string
		body map[string]any
	}{
		{"loan", map[string]any{"id": "lp-fb", "name": "four hours", "loanable": true, "profileId": "Rolling",
			"period": map[string]any{"duration": 4, "intervalId": "Hours"}}},
		{"loan", map[string]any{"id": "lp-fixed", "name": "term", "loanable": true, "profileId": "Fixed",
			"fixedDueDateScheduleId": "sched-1"}},
		{"request", map[string]any{"id": "rp-fb", "name": "holds", "requestTypes": []string{"Hold"}}},
		{"notice", map[string]any{"id": "np-fb", "name": "quiet", "active": false}},
		{"overdue-fine", map[string]any{"id": "op-fb", "name": "no fines"}},
		{"overdue-fine", map[string]any{"id": "op-hourly", "name": "hourly", "countClosed": true,
			"overdueFine": map[string]any{"quantity": 0.5, "intervalId": "Hour"}, "maxOverdueFine": 1.25}},
		{"lost-item-fee", map[string]any{"id": "ip-fb", "name": "lost"}},
	}
	for _, p := range policies {
		if rr := e.do(t, http.MethodPost, "/policies/"+p.kind, p.body); rr.Code != http.StatusCreated {
			t.Fatalf("failed to create %s policy: %d %s", p.kind, rr.Code, rr.Body.String())
		}
	}

	schedule := domain.FixedDueDateSchedule{
		ID:   "sched-1",
		Name: "spring term",
		Schedules: []domain.ScheduleBand{{
			From:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			To:      time.Date(2026, 5, 31, 23, 59, 59, 0, time.UTC),
			DueDate: time.Date(2026, 6, 15, 23, 59, 59, 0, time.UTC),
		}},
	}
	if rr := e.do(t, http.MethodPost, "/fixed-due-date-schedules", schedule); rr.Code != http.StatusCreated {
		t.Fatalf("failed to create schedule: %d %s", rr.Code, rr.Body.String())
	}

	if rr := e.do(t, http.MethodPut, "/circulation/rules", domain.CirculationRules{Text: ruleTable}); rr.Code != http.StatusNoContent {
		t.Fatalf("failed to put rules: %d %s", rr.Code, rr.Body.String())
	}
}

func testItem(materialType string) *ItemPayload {
	return &ItemPayload{
		Item: domain.Item{
			ID:                  "item-1",
			HoldingsRecordID:    "holding-1",
			MaterialTypeID:      materialType,
			PermanentLoanTypeID: "can-circulate",
			EffectiveLocationID: "main-stacks",
		},
		Holding:  &domain.Holding{ID: "holding-1", PermanentLocationID: "main-stacks"},
		Location: &domain.Location{ID: "main-stacks", LibraryID: "lib-1"},
	}
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	decode(t, rr, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", resp["version"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestTenantRequired(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/circulation/rules", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestTracingHeaders(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	rr := env.do(t, http.MethodGet, "/circulation/rules", nil)
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header")
	}
}

func TestCirculationRules(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("NotStored", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/circulation/rules", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("UnknownPolicy", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/circulation/rules", domain.CirculationRules{Text: ruleTable})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}

		var body errorBody
		decode(t, rr, &body)
		if body.Message != "The policy l does not exist" {
			t.Errorf("unexpected message %q", body.Message)
		}
		if len(body.Parameters) != 1 || body.Parameters[0].Key != "loanPolicyId" {
			t.Errorf("unexpected parameters %+v", body.Parameters)
		}
	})

	t.Run("ParseError", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/circulation/rules", domain.CirculationRules{Text: "fallback-policy: l a r b n c o d i e\n\tm book: l x\n"})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d", rr.Code)
		}

		var body errorBody
		decode(t, rr, &body)
		if body.Line != 2 {
			t.Errorf("expected the error on line 2, got %+v", body)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		if rr := env.do(t, http.MethodPut, "/circulation/rules", "not-json"); rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("StoreAndPublish", func(t *testing.T) {
		var events atomic.Int32
		_, err := env.bus.Subscribe(context.Background(), domain.ClusterTenant, domain.TopicRulesUpdated,
			func(ctx context.Context, msg *domain.Message) error {
				var event domain.RulesUpdatedEvent
				if err := json.Unmarshal(msg.Payload, &event); err == nil && event.TenantID == tenantID && event.NodeID == "node-test" {
					events.Add(1)
				}
				return nil
			})
		if err != nil {
			t.Fatal(err)
		}

		env.seed(t)

		rr := env.do(t, http.MethodGet, "/circulation/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var stored domain.CirculationRules
		decode(t, rr, &stored)
		if stored.Text != ruleTable {
			t.Errorf("unexpected rules text %q", stored.Text)
		}

		if got := env.engine.RulesCount(tenantID); got == 0 {
			t.Error("expected rules to be installed in the engine")
		}

		deadline := time.Now().Add(time.Second)
		for events.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if events.Load() == 0 {
			t.Error("expected a rules.updated event")
		}
	})
}

func TestApplyRules(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})
	env.seed(t)

	query := "?loan_type_id=can-circulate&location_id=main-stacks&patron_type_id=staff&item_type_id="

	t.Run("AllKinds", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/circulation/rules/apply"+query+"dvd", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var applied domain.AppliedPolicies
		decode(t, rr, &applied)
		if applied.LoanPolicyID != "lp-fixed" || applied.OverdueFinePolicyID != "op-hourly" {
			t.Errorf("unexpected applied policies %+v", applied)
		}
		if applied.RequestPolicyID != "rp-fb" {
			t.Errorf("expected request fallback, got %s", applied.RequestPolicyID)
		}
	})

	t.Run("SingleKind", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/circulation/rules/overdue-fine-policy"+query+"dvd", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var body map[string]any
		decode(t, rr, &body)
		if body["overdueFinePolicyId"] != "op-hourly" {
			t.Errorf("unexpected body %v", body)
		}
		if body["fallback"] != false {
			t.Errorf("expected a matched rule, got %v", body["fallback"])
		}
	})

	t.Run("Fallback", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/circulation/rules/loan-policy"+query+"book", nil)
		var body map[string]any
		decode(t, rr, &body)
		if body["loanPolicyId"] != "lp-fb" || body["fallback"] != true {
			t.Errorf("unexpected body %v", body)
		}
	})

	t.Run("MissingParameter", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/circulation/rules/apply?loan_type_id=x", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoRulesForTenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/circulation/rules/apply"+query+"dvd", nil)
		req.Header.Set(TenantIDHeader, "tenant-without-rules")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestPolicies(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("GeneratedID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/policies/request", map[string]any{"name": "pages", "requestTypes": []string{"Page"}})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var record domain.PolicyRecord
		decode(t, rr, &record)
		if record.ID == "" {
			t.Fatal("expected a generated id")
		}
		if !strings.Contains(string(record.Body), record.ID) {
			t.Errorf("expected the id in the stored body, got %s", record.Body)
		}

		rr = env.do(t, http.MethodGet, "/policies/request/"+record.ID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NameRequired", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/policies/loan", map[string]any{"id": "lp-1"})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/policies/loan", map[string]any{"id": "lp-1", "name": "x", "loanable": "yes"})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("UnknownKind", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/policies/penalty", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		for _, id := range []string{"op-1", "op-2"} {
			env.do(t, http.MethodPost, "/policies/overdue-fine", map[string]any{"id": id, "name": id})
		}

		rr := env.do(t, http.MethodGet, "/policies/overdue-fine", nil)
		var list struct {
			Policies     []domain.PolicyRecord `json:"policies"`
			TotalRecords int                   `json:"totalRecords"`
		}
		decode(t, rr, &list)
		if list.TotalRecords != 2 {
			t.Fatalf("expected 2 policies, got %d", list.TotalRecords)
		}

		if rr := env.do(t, http.MethodDelete, "/policies/overdue-fine/op-1", nil); rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodGet, "/policies/overdue-fine/op-1", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodDelete, "/policies/overdue-fine/op-1", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}
	})
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})

	t.Run("InvertedBand", func(t *testing.T) {
		schedule := domain.FixedDueDateSchedule{
			Name: "broken",
			Schedules: []domain.ScheduleBand{{
				From: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
				To:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
		}
		if rr := env.do(t, http.MethodPost, "/fixed-due-date-schedules", schedule); rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fixed-due-date-schedules", domain.FixedDueDateSchedule{Name: "summer"})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var created domain.FixedDueDateSchedule
		decode(t, rr, &created)

		rr = env.do(t, http.MethodGet, "/fixed-due-date-schedules/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/fixed-due-date-schedules/nope", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestDueDateEndpoint(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})
	env.seed(t)

	tests := []struct {
		name         string
		materialType string
		wantPolicy   string
		wantDue      time.Time
	}{
		{"RollingFallback", "book", "lp-fb", loanDate.Add(4 * time.Hour)},
		{"FixedSchedule", "dvd", "lp-fixed", time.Date(2026, 6, 15, 23, 59, 59, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/loans/due-date", LoanRequest{
				Loan: domain.Loan{ID: "loan-1", ItemID: "item-1", UserID: "user-1", LoanDate: loanDate},
				Item: testItem(tt.materialType),
				User: staff,
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}

			var resp DueDateResponse
			decode(t, rr, &resp)
			if resp.LoanPolicyID != tt.wantPolicy {
				t.Errorf("expected policy %s, got %s", tt.wantPolicy, resp.LoanPolicyID)
			}
			if !resp.DueDate.Equal(tt.wantDue) {
				t.Errorf("expected due date %v, got %v", tt.wantDue, resp.DueDate)
			}
		})
	}

	t.Run("UnknownItem", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/loans/due-date", LoanRequest{
			Loan: domain.Loan{ID: "loan-1", ItemID: "item-1", LoanDate: loanDate},
		})
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", rr.Code)
		}

		var body errorBody
		decode(t, rr, &body)
		if body.Message != resolver.MsgUnknownItem {
			t.Errorf("unexpected message %q", body.Message)
		}
	})

	t.Run("LoanDateRequired", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/loans/due-date", LoanRequest{Item: testItem("book")})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestOverdueEndpoint(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})
	env.seed(t)

	due := loanDate
	systemTime := loanDate.Add(3*time.Hour + 30*time.Minute)

	t.Run("CappedFine", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/loans/overdue", OverdueRequest{
			LoanRequest: LoanRequest{
				Loan: domain.Loan{ID: "loan-1", LoanDate: loanDate.Add(-time.Hour), DueDate: &due},
				Item: testItem("dvd"),
				User: staff,
			},
			SystemTime: &systemTime,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp OverdueResponse
		decode(t, rr, &resp)
		if !resp.Applicable || resp.OverdueMinutes != 210 {
			t.Fatalf("expected 210 applicable minutes, got %+v", resp)
		}
		if resp.Fine == nil {
			t.Fatal("expected a fine")
		}
		if resp.Fine.Intervals != 4 || !resp.Fine.Capped {
			t.Errorf("unexpected fine %+v", resp.Fine)
		}
		if !resp.Fine.Amount.Equal(decimal.RequireFromString("1.25")) {
			t.Errorf("expected capped amount 1.25, got %s", resp.Fine.Amount)
		}
	})

	t.Run("RenewalWithoutForgiveness", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/loans/overdue", OverdueRequest{
			LoanRequest: LoanRequest{
				Loan: domain.Loan{ID: "loan-1", LoanDate: loanDate, DueDate: &due},
				Item: testItem("dvd"),
			},
			SystemTime: &systemTime,
			Renewal:    true,
		})

		var resp OverdueResponse
		decode(t, rr, &resp)
		if resp.Fine == nil || resp.Fine.Forgiven {
			t.Errorf("op-hourly does not forgive fines, got %+v", resp.Fine)
		}
	})

	t.Run("NotChargeable", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/loans/overdue", OverdueRequest{
			LoanRequest: LoanRequest{
				Loan: domain.Loan{ID: "loan-2", LoanDate: loanDate, DueDate: &due},
				Item: testItem("book"),
			},
			SystemTime: &systemTime,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp OverdueResponse
		decode(t, rr, &resp)
		if resp.Applicable || resp.Fine != nil {
			t.Errorf("expected no charge under op-fb, got %+v", resp)
		}
		if resp.OverdueFinePolicyID != "op-fb" {
			t.Errorf("expected op-fb, got %s", resp.OverdueFinePolicyID)
		}
	})
}

func TestLoanPoliciesEndpoint(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})
	env.seed(t)

	req := BulkLoansRequest{Loans: []LoanRequest{
		{Loan: domain.Loan{ID: "loan-1"}, Item: testItem("dvd"), User: staff},
		{Loan: domain.Loan{ID: "loan-2"}, Item: testItem("book"), User: staff},
	}}
	rr := env.do(t, http.MethodPost, "/loans/policies", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		LoanPolicies []resolver.LoanPolicies `json:"loanPolicies"`
	}
	decode(t, rr, &resp)
	if len(resp.LoanPolicies) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.LoanPolicies))
	}

	want := []struct{ loan, loanPolicy, finePolicy string }{
		{"loan-1", "lp-fixed", "op-hourly"},
		{"loan-2", "lp-fb", "op-fb"},
	}
	for i, w := range want {
		got := resp.LoanPolicies[i]
		if got.LoanID != w.loan || got.Loan == nil || got.Loan.ID != w.loanPolicy || got.OverdueFine == nil || got.OverdueFine.ID != w.finePolicy {
			t.Errorf("result %d: expected %+v, got %+v", i, w, got)
		}
	}
}

type fakeItems struct {
	items map[string]*domain.Item
}

func (f *fakeItems) GetItem(ctx context.Context, tenantID, itemID string) (*domain.Item, error) {
	item, ok := f.items[itemID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func TestFetchedItems(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{})
	env.seed(t)
	env.server.Handler().items = &fakeItems{items: map[string]*domain.Item{"item-9": testItem("dvd").item()}}

	rr := env.do(t, http.MethodPost, "/loans/due-date", LoanRequest{
		Loan: domain.Loan{ID: "loan-9", ItemID: "item-9", LoanDate: loanDate},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp DueDateResponse
	decode(t, rr, &resp)
	if resp.LoanPolicyID != "lp-fixed" {
		t.Errorf("expected lp-fixed from the fetched item, got %s", resp.LoanPolicyID)
	}

	rr = env.do(t, http.MethodPost, "/loans/due-date", LoanRequest{
		Loan: domain.Loan{ID: "loan-10", ItemID: "item-missing", LoanDate: loanDate},
	})
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 for a missing item, got %d", rr.Code)
	}
}

func TestWriteErrorForwarded(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/circulation/rules/apply", nil)
	rr := httptest.NewRecorder()

	writeError(rr, req, &domain.ForwardedError{StatusCode: http.StatusBadGateway, ContentType: "text/plain", Body: "rules service down"})

	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", rr.Code)
	}
	if rr.Body.String() != "rules service down" {
		t.Errorf("expected the upstream body, got %q", rr.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, domain.ServerConfig{RateLimit: 1, RateLimitBurst: 1})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected [200 429], got %v", codes)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return clock }

	for i := 0; i < 50; i++ {
		limiter.limiter(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := limiter.Clients(); got != 50 {
		t.Fatalf("expected 50 tracked clients, got %d", got)
	}

	clock = clock.Add(time.Minute)
	limiter.limiter("10.0.0.1")

	// The first 50 buckets are now idle; 10.0.0.1 was seen a minute later.
	clock = clock.Add(rateLimiterIdle - time.Minute)
	limiter.limiter("10.0.1.1")
	if got := limiter.Clients(); got != 2 {
		t.Errorf("expected idle clients to be evicted, %d remain", got)
	}

	if !limiter.limiter("10.0.1.1").Allow() {
		t.Error("expected a fresh bucket to allow a request")
	}
}
