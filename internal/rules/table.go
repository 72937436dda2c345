package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/heron/internal/domain"
)

// compiledRule is a ranked rule with its compiled predicate.
type compiledRule struct {
	rule       Rule
	rank       []int
	expression string
	program    cel.Program
	conditions []string
}

// compiledTable is an immutable, ranked rule table ready for matching.
type compiledTable struct {
	text     string
	table    *Table
	rules    []*compiledRule
	fallback domain.PolicyIDs
}

// newEnv declares one string variable per criterium letter.
func newEnv() (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(DefaultPriority))
	for _, l := range DefaultPriority {
		opts = append(opts, cel.Variable(l.variable(), cel.StringType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// predicate renders the CEL expression of a rule's explicit terms.
func predicate(r Rule) string {
	var clauses []string
	for _, t := range r.Terms {
		if t.Wildcard {
			continue
		}
		if len(t.Values) == 1 {
			clauses = append(clauses, t.Letter.variable()+" == "+strconv.Quote(t.Values[0]))
			continue
		}
		quoted := make([]string, len(t.Values))
		for i, v := range t.Values {
			quoted[i] = strconv.Quote(v)
		}
		clauses = append(clauses, t.Letter.variable()+" in ["+strings.Join(quoted, ", ")+"]")
	}
	if len(clauses) == 0 {
		return "true"
	}
	return strings.Join(clauses, " && ")
}

// rankOf returns the positions of the rule's explicit letters in the
// priority order, ascending.
func rankOf(r Rule, priority []Letter) []int {
	pos := make(map[Letter]int, len(priority))
	for i, l := range priority {
		pos[l] = i
	}
	var rank []int
	for _, l := range r.Explicit() {
		rank = append(rank, pos[l])
	}
	sort.Ints(rank)
	return rank
}

// outranks orders rules. By default more explicit criteria come first,
// then the rule whose letters rank higher in the priority order; tables
// with CriteriaFirst swap the two. Remaining ties go to the earlier line,
// or the later one with LastLine.
func outranks(a, b *compiledRule, t *Table) bool {
	byCount := func() (bool, bool) {
		if len(a.rank) != len(b.rank) {
			return len(a.rank) > len(b.rank), true
		}
		return false, false
	}
	byLetters := func() (bool, bool) {
		for i := 0; i < min(len(a.rank), len(b.rank)); i++ {
			if a.rank[i] != b.rank[i] {
				return a.rank[i] < b.rank[i], true
			}
		}
		return false, false
	}

	order := []func() (bool, bool){byCount, byLetters}
	if t.CriteriaFirst {
		order[0], order[1] = byLetters, byCount
	}
	for _, cmp := range order {
		if wins, decided := cmp(); decided {
			return wins
		}
	}
	if t.LastLine {
		return a.rule.Line > b.rule.Line
	}
	return a.rule.Line < b.rule.Line
}

func compile(env *cel.Env, text string, table *Table) (*compiledTable, error) {
	compiled := &compiledTable{
		text:     text,
		table:    table,
		fallback: table.Fallback,
		rules:    make([]*compiledRule, 0, len(table.Rules)),
	}

	for _, r := range table.Rules {
		expr := predicate(r)
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule on line %d: %w", r.Line, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule on line %d: predicate must return bool, got %s", r.Line, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for rule on line %d: %w", r.Line, err)
		}

		compiled.rules = append(compiled.rules, &compiledRule{
			rule:       r,
			rank:       rankOf(r, table.Priority),
			expression: expr,
			program:    program,
			conditions: r.Conditions(),
		})
	}

	sort.SliceStable(compiled.rules, func(i, j int) bool {
		return outranks(compiled.rules[i], compiled.rules[j], table)
	})

	return compiled, nil
}

func (r *compiledRule) matches(vars map[string]any) (bool, error) {
	out, _, err := r.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluating rule on line %d: %w", r.rule.Line, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule on line %d returned %T", r.rule.Line, out.Value())
	}
	return b, nil
}
