package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/opensource-finance/heron/internal/domain"
)

const tenantID = "tenant-001"

// fataler is satisfied by both *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newTestEngine(t fataler, text string) *Engine {
	t.Helper()
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.Load(tenantID, text); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return engine
}

var staffBook = domain.Criteria{
	LoanTypeID:     "can-circulate",
	LocationID:     "main-stacks",
	MaterialTypeID: "book",
	PatronGroupID:  "staff",
}

func TestEngineFallback(t *testing.T) {
	engine := newTestEngine(t, fallbackLine+"m dvd: l lp-dvd\n")
	ctx := context.Background()

	got, err := engine.ApplyAll(ctx, tenantID, staffBook)
	if err != nil {
		t.Fatalf("ApplyAll failed: %v", err)
	}

	want := domain.AppliedPolicies{
		LoanPolicyID:        "lp-fb",
		RequestPolicyID:     "rp-fb",
		NoticePolicyID:      "np-fb",
		OverdueFinePolicyID: "op-fb",
		LostItemFeePolicyID: "ip-fb",
	}
	for _, kind := range domain.PolicyKinds {
		if got.Get(kind) != want.Get(kind) {
			t.Errorf("%s = %q, want %q", kind, got.Get(kind), want.Get(kind))
		}
	}
	if len(got.Conditions) != 0 {
		t.Errorf("fallback should have no conditions, got %v", got.Conditions)
	}

	applied, _ := engine.Apply(ctx, tenantID, domain.KindLoan, staffBook)
	if !applied.Fallback {
		t.Error("expected fallback flag")
	}
}

func TestEngineSpecificityBeatsOrder(t *testing.T) {
	text := fallbackLine +
		"m book: l lp-book\n" +
		"m book + g staff: l lp-staff-book\n"
	engine := newTestEngine(t, text)

	applied, err := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied.PolicyID != "lp-staff-book" {
		t.Errorf("expected the two-criteria rule to win, got %q", applied.PolicyID)
	}
	if applied.Line != 3 {
		t.Errorf("expected line 3, got %d", applied.Line)
	}
	if strings.Join(applied.Conditions, ",") != "Patron group,Material type" && strings.Join(applied.Conditions, ",") != "Material type,Patron group" {
		t.Errorf("unexpected conditions %v", applied.Conditions)
	}
}

func TestEngineLetterPriority(t *testing.T) {
	text := fallbackLine +
		"g staff: l lp-group\n" +
		"t can-circulate: l lp-loan-type\n"

	t.Run("DefaultOrder", func(t *testing.T) {
		engine := newTestEngine(t, text)
		applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
		if applied.PolicyID != "lp-loan-type" {
			t.Errorf("loan type outranks patron group by default, got %q", applied.PolicyID)
		}
	})

	t.Run("CustomOrder", func(t *testing.T) {
		engine := newTestEngine(t, "priority: g, m, a, b, c, s, t\n"+text)
		applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
		if applied.PolicyID != "lp-group" {
			t.Errorf("patron group should win with custom priority, got %q", applied.PolicyID)
		}
	})
}

func TestEngineEqualSpecificityFirstLineWins(t *testing.T) {
	text := fallbackLine +
		"m book: l lp-first\n" +
		"m book, dvd: l lp-second\n"
	engine := newTestEngine(t, text)

	applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
	if applied.PolicyID != "lp-first" {
		t.Errorf("expected earlier line to win, got %q", applied.PolicyID)
	}
}

func TestEngineTieBreakers(t *testing.T) {
	rulesText := "g staff: l lp-group\n" +
		"t can-circulate + m book: l lp-two\n" +
		"m book: l lp-book-first\n" +
		"m book, dvd: l lp-book-second\n"

	tests := []struct {
		name     string
		priority string
		criteria domain.Criteria
		want     string
	}{
		{"CountBeforeLetters", "priority: number-of-criteria, criterium(g, m, a, b, c, s, t), first-line\n", staffBook, "lp-two"},
		{"LettersBeforeCount", "priority: criterium(g, m, a, b, c, s, t), number-of-criteria\n", staffBook, "lp-group"},
		{"FirstLine", "priority: t, s, c, b, a, m, g, first-line\n",
			domain.Criteria{LoanTypeID: "reading-room", MaterialTypeID: "book", PatronGroupID: "faculty"}, "lp-book-first"},
		{"LastLine", "priority: t, s, c, b, a, m, g, last-line\n",
			domain.Criteria{LoanTypeID: "reading-room", MaterialTypeID: "book", PatronGroupID: "faculty"}, "lp-book-second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.priority+fallbackLine+rulesText)
			applied, err := engine.Apply(context.Background(), tenantID, domain.KindLoan, tt.criteria)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if applied.PolicyID != tt.want {
				t.Errorf("expected %q, got %q", tt.want, applied.PolicyID)
			}
		})
	}
}

func TestEngineWildcardDoesNotCount(t *testing.T) {
	text := fallbackLine +
		"m all + g all: l lp-wild\n" +
		"g staff: l lp-staff\n"
	engine := newTestEngine(t, text)

	applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
	if applied.PolicyID != "lp-staff" {
		t.Errorf("explicit value should beat wildcards, got %q", applied.PolicyID)
	}

	student := staffBook
	student.PatronGroupID = "student"
	applied, _ = engine.Apply(context.Background(), tenantID, domain.KindLoan, student)
	if applied.PolicyID != "lp-wild" {
		t.Errorf("wildcard rule should match anything, got %q", applied.PolicyID)
	}
}

func TestEnginePerKindFallthrough(t *testing.T) {
	text := fallbackLine +
		"m book + g staff: o op-staff\n" +
		"m book: l lp-book\n"
	engine := newTestEngine(t, text)

	got, err := engine.ApplyAll(context.Background(), tenantID, staffBook)
	if err != nil {
		t.Fatalf("ApplyAll failed: %v", err)
	}
	if got.OverdueFinePolicyID != "op-staff" {
		t.Errorf("expected overdue fine from specific rule, got %q", got.OverdueFinePolicyID)
	}
	if got.LoanPolicyID != "lp-book" {
		t.Errorf("expected loan policy from less specific rule, got %q", got.LoanPolicyID)
	}
	if got.RequestPolicyID != "rp-fb" {
		t.Errorf("expected fallback request policy, got %q", got.RequestPolicyID)
	}
}

func TestEngineLocationHierarchy(t *testing.T) {
	text := fallbackLine +
		"a inst-1: l lp-inst\n" +
		"b campus-1 + c lib-1: l lp-lib\n"
	engine := newTestEngine(t, text)

	c := staffBook
	c.InstitutionID = "inst-1"
	c.CampusID = "campus-1"
	c.LibraryID = "lib-1"

	applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, c)
	if applied.PolicyID != "lp-lib" {
		t.Errorf("expected library rule, got %q", applied.PolicyID)
	}
}

func TestEngineNoRules(t *testing.T) {
	engine, _ := NewEngine()

	_, err := engine.Apply(context.Background(), "unknown-tenant", domain.KindLoan, staffBook)
	if !IsNoRules(err) {
		t.Errorf("expected ErrNoRules, got %v", err)
	}
}

func TestEngineReloadAndRemove(t *testing.T) {
	engine := newTestEngine(t, fallbackLine)

	next := strings.Replace(fallbackLine, "lp-fb", "lp-next", 1)
	if err := engine.Load(tenantID, next); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
	if applied.PolicyID != "lp-next" {
		t.Errorf("expected reloaded table, got %q", applied.PolicyID)
	}
	if text, ok := engine.Text(tenantID); !ok || text != next {
		t.Errorf("Text() = %q, %v", text, ok)
	}

	if err := engine.Load(tenantID, "not a table"); err == nil {
		t.Error("expected invalid table to be rejected")
	}
	if applied, _ := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook); applied.PolicyID != "lp-next" {
		t.Error("a rejected load must keep the previous table")
	}

	engine.Remove(tenantID)
	if len(engine.Tenants()) != 0 {
		t.Errorf("expected no tenants, got %v", engine.Tenants())
	}
}

func TestEngineConcurrentApplyAndLoad(t *testing.T) {
	engine := newTestEngine(t, fallbackLine+"m book: l lp-book\n")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			applied, err := engine.Apply(ctx, tenantID, domain.KindLoan, staffBook)
			if err != nil {
				errs <- err
				return
			}
			if applied.PolicyID != "lp-book" {
				errs <- fmt.Errorf("unexpected policy %q", applied.PolicyID)
			}
		}()
		go func() {
			defer wg.Done()
			if err := engine.Load(tenantID, fallbackLine+"m book: l lp-book\n"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestValidateUnknownPolicy(t *testing.T) {
	engine, _ := NewEngine()
	ctx := context.Background()

	for _, kind := range domain.PolicyKinds {
		t.Run(string(kind), func(t *testing.T) {
			missing := "missing-" + kind.Letter()
			ids := map[string]string{"l": "lp1", "r": "rp1", "n": "np1", "o": "op1", "i": "ip1"}
			ids[kind.Letter()] = missing
			text := fmt.Sprintf("priority: t, s, c, b, a, m, g\nfallback-policy: l %s r %s n %s o %s i %s \n",
				ids["l"], ids["r"], ids["n"], ids["o"], ids["i"])

			exists := func(ctx context.Context, k domain.PolicyKind, id string) (bool, error) {
				return id != missing, nil
			}

			_, err := engine.Validate(ctx, text, exists)
			if domain.StatusCode(err) != 422 {
				t.Fatalf("expected 422, got %d (%v)", domain.StatusCode(err), err)
			}

			validation := err.(*domain.ValidationError)
			if want := "The policy " + kind.Letter() + " does not exist"; validation.Message != want {
				t.Errorf("message = %q, want %q", validation.Message, want)
			}
			if len(validation.Parameters) != 1 || validation.Parameters[0].Value != missing {
				t.Errorf("expected parameter naming %q, got %+v", missing, validation.Parameters)
			}
		})
	}
}

func TestValidateOnCriteriaLine(t *testing.T) {
	engine, _ := NewEngine()
	exists := func(ctx context.Context, k domain.PolicyKind, id string) (bool, error) {
		return id != "lp-gone", nil
	}

	_, err := engine.Validate(context.Background(), fallbackLine+"m book: l lp-gone\n", exists)
	if err == nil || !strings.Contains(err.Error(), "lp-gone") {
		t.Errorf("expected error naming lp-gone, got %v", err)
	}
}

// Tables whose criteria never match the input always resolve to the fallback.
func TestPropertyUnmatchedResolvesToFallback(t *testing.T) {
	letters := []string{"t", "s", "c", "b", "a", "m", "g"}

	rapid.Check(t, func(t *rapid.T) {
		var b strings.Builder
		b.WriteString(fallbackLine)

		n := rapid.IntRange(0, 8).Draw(t, "rules")
		for i := 0; i < n; i++ {
			letter := rapid.SampledFrom(letters).Draw(t, "letter")
			kind := rapid.SampledFrom(domain.PolicyKinds).Draw(t, "kind")
			fmt.Fprintf(&b, "%s never-%d: %s policy-%d\n", letter, i, kind.Letter(), i)
		}

		engine := newTestEngine(t, b.String())
		got, err := engine.ApplyAll(context.Background(), tenantID, domain.Criteria{
			LoanTypeID:     "in-t",
			LocationID:     "in-s",
			MaterialTypeID: "in-m",
			PatronGroupID:  "in-g",
			InstitutionID:  "in-a",
			CampusID:       "in-b",
			LibraryID:      "in-c",
		})
		if err != nil {
			t.Fatalf("ApplyAll failed: %v", err)
		}
		for _, kind := range domain.PolicyKinds {
			if want := kind.Letter() + "p-fb"; got.Get(kind) != want {
				t.Fatalf("%s = %q, want %q", kind, got.Get(kind), want)
			}
		}
	})
}

// The more specific matching rule wins wherever it appears; equally
// specific rules resolve to the earlier line.
func TestPropertySpecificityThenLineOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := []string{
			"m book + g staff + t can-circulate: l lp-3",
			"m book + g staff: l lp-2",
			"m book: l lp-1a",
			"m book: l lp-1b",
		}
		order := rapid.Permutation(lines).Draw(t, "order")

		engine := newTestEngine(t, fallbackLine+strings.Join(order, "\n")+"\n")
		applied, err := engine.Apply(context.Background(), tenantID, domain.KindLoan, staffBook)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if applied.PolicyID != "lp-3" {
			t.Fatalf("expected the three-criteria rule, got %q", applied.PolicyID)
		}

		student := staffBook
		student.PatronGroupID = "student"
		applied, _ = engine.Apply(context.Background(), tenantID, domain.KindLoan, student)

		first := "lp-1a"
		for _, l := range order {
			if strings.HasSuffix(l, "lp-1b") {
				first = "lp-1b"
				break
			}
			if strings.HasSuffix(l, "lp-1a") {
				break
			}
		}
		if applied.PolicyID != first {
			t.Fatalf("expected earlier equal rule %q, got %q", first, applied.PolicyID)
		}
	})
}
