package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
)

// Term restricts one criterium type to a set of values. A wildcard term
// matches any value and does not count toward specificity.
type Term struct {
	Letter   Letter
	Values   []string
	Wildcard bool
}

// Rule is one criteria line of a rule table, with inherited criteria and
// policies already merged in.
type Rule struct {
	Line     int
	Terms    []Term
	Policies domain.PolicyIDs
}

// Explicit returns the letters the rule pins to explicit values.
func (r *Rule) Explicit() []Letter {
	var out []Letter
	for _, t := range r.Terms {
		if !t.Wildcard {
			out = append(out, t.Letter)
		}
	}
	return out
}

// Conditions names the criteria the rule restricts.
func (r *Rule) Conditions() []string {
	out := []string{}
	for _, l := range r.Explicit() {
		out = append(out, l.Name())
	}
	return out
}

// Table is a parsed rule table.
type Table struct {
	Priority []Letter

	// CriteriaFirst compares letter priority before the number of
	// criteria, as in "priority: criterium(...), number-of-criteria".
	CriteriaFirst bool
	// LastLine breaks remaining ties in favour of the later line.
	LastLine bool

	Fallback domain.PolicyIDs
	Rules    []Rule
}

// PolicyRefs lists every (kind, id) the table references, fallback first.
func (t *Table) PolicyRefs() []PolicyRef {
	var refs []PolicyRef
	seen := make(map[PolicyRef]bool)
	add := func(line int, ids domain.PolicyIDs) {
		for _, kind := range domain.PolicyKinds {
			id, ok := ids[kind]
			if !ok {
				continue
			}
			ref := PolicyRef{Kind: kind, ID: id}
			if seen[ref] {
				continue
			}
			seen[ref] = true
			ref.Line = line
			refs = append(refs, ref)
		}
	}
	add(0, t.Fallback)
	for _, r := range t.Rules {
		add(r.Line, r.Policies)
	}
	return refs
}

// PolicyRef is a policy referenced from a rule table line.
type PolicyRef struct {
	Kind domain.PolicyKind
	ID   string
	Line int
}

type frame struct {
	indent   int
	terms    []Term
	policies domain.PolicyIDs
}

// Parse reads rule table text.
func Parse(text string) (*Table, error) {
	table := &Table{}
	var stack []frame
	var pending *pendingLine

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		lineNo := i + 1

		if col := strings.IndexByte(raw, '\t'); col >= 0 {
			return nil, &domain.RuleParseError{
				Message: "Tab character is not allowed, use spaces for indentation",
				Line:    lineNo,
				Column:  col + 2,
			}
		}

		content := stripComment(raw)
		if strings.TrimSpace(content) == "" {
			continue
		}
		indent := len(content) - len(strings.TrimLeft(content, " "))
		content = strings.TrimSpace(content)

		if pending != nil {
			if indent <= pending.frame.indent {
				return nil, pending.noPolicyError()
			}
			pending = nil
		}

		switch {
		case hasDirective(content, "priority"):
			if indent > 0 || len(table.Rules) > 0 || table.Fallback != nil {
				return nil, parseError("priority must be the first line", lineNo, indent+1)
			}
			if table.Priority != nil {
				return nil, parseError("duplicate priority line", lineNo, 1)
			}
			if err := parsePriority(directiveValue(content), lineNo, table); err != nil {
				return nil, err
			}
			continue

		case hasDirective(content, "fallback-policy"):
			if indent > 0 {
				return nil, parseError("fallback-policy must not be indented", lineNo, 1)
			}
			if table.Fallback != nil {
				return nil, parseError("duplicate fallback-policy line", lineNo, 1)
			}
			ids, err := parsePolicies(directiveValue(content), lineNo)
			if err != nil {
				return nil, err
			}
			for _, kind := range domain.PolicyKinds {
				if _, ok := ids[kind]; !ok {
					return nil, parseError(fmt.Sprintf("fallback-policy must name a %s policy (%s)", strings.ToLower(kind.DisplayName()), kind.Letter()), lineNo, 1)
				}
			}
			table.Fallback = ids
			stack = nil
			continue
		}

		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}
		var parent frame
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}

		criteriaText, policyText, hasColon := strings.Cut(content, ":")
		terms, err := parseTerms(criteriaText, lineNo, indent)
		if err != nil {
			return nil, err
		}
		merged, err := mergeTerms(parent.terms, terms, lineNo)
		if err != nil {
			return nil, err
		}

		own := domain.PolicyIDs{}
		if hasColon {
			own, err = parsePolicies(policyText, lineNo)
			if err != nil {
				return nil, err
			}
		}

		policies := domain.PolicyIDs{}
		for k, v := range parent.policies {
			policies[k] = v
		}
		for k, v := range own {
			policies[k] = v
		}

		f := frame{indent: indent, terms: merged, policies: policies}
		stack = append(stack, f)

		if len(own) > 0 {
			table.Rules = append(table.Rules, Rule{Line: lineNo, Terms: merged, Policies: policies})
			continue
		}
		pending = &pendingLine{frame: f, line: lineNo}
	}

	if pending != nil {
		return nil, pending.noPolicyError()
	}
	if table.Fallback == nil {
		return nil, parseError("fallback-policy line is missing", len(lines), 1)
	}
	if table.Priority == nil {
		table.Priority = append([]Letter(nil), DefaultPriority...)
	}
	return table, nil
}

// pendingLine is a criteria line without policies, which must be followed
// by more indented lines.
type pendingLine struct {
	frame frame
	line  int
}

func (p *pendingLine) noPolicyError() error {
	return parseError("criteria line names no policy and has no indented lines", p.line, p.frame.indent+1)
}

func parseError(msg string, line, column int) error {
	return &domain.RuleParseError{Message: msg, Line: line, Column: column}
}

func stripComment(line string) string {
	if i := strings.IndexAny(line, "#/"); i >= 0 {
		return line[:i]
	}
	return line
}

func hasDirective(content, name string) bool {
	key, _, ok := strings.Cut(content, ":")
	return ok && strings.EqualFold(strings.TrimSpace(key), name)
}

func directiveValue(content string) string {
	_, v, _ := strings.Cut(content, ":")
	return v
}

const priorityForms = "criterium letters, number-of-criteria, first-line or last-line"

func parsePriority(value string, line int, table *Table) error {
	value = strings.NewReplacer("criterium", " ", "(", " ", ")", " ").Replace(value)
	tokens := strings.Split(value, ",")

	var priority []Letter
	seen := make(map[Letter]bool)
	counted := false
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
			continue
		case "number-of-criteria":
			if counted {
				return parseError("number-of-criteria listed twice", line, 1)
			}
			counted = true
			table.CriteriaFirst = len(priority) > 0
			continue
		case "first-line", "last-line":
			if i != len(tokens)-1 {
				return parseError(tok+" must end the priority line", line, 1)
			}
			table.LastLine = tok == "last-line"
			continue
		}
		l, ok := isLetter(tok)
		if !ok {
			return parseError(fmt.Sprintf("unknown priority %q, expected %s", tok, priorityForms), line, 1)
		}
		if seen[l] {
			return parseError(fmt.Sprintf("duplicate priority letter %q", tok), line, 1)
		}
		seen[l] = true
		priority = append(priority, l)
	}
	if len(priority) != len(DefaultPriority) {
		return parseError("priority must list each of t, s, c, b, a, m, g once", line, 1)
	}
	table.Priority = priority
	return nil
}

func parseTerms(text string, line, indent int) ([]Term, error) {
	var terms []Term
	seen := make(map[Letter]bool)

	for _, part := range strings.Split(text, "+") {
		part = strings.TrimSpace(part)
		letterText, valueText, _ := strings.Cut(part, " ")
		l, ok := isLetter(letterText)
		if !ok {
			return nil, parseError(fmt.Sprintf("unknown criterium type %q", letterText), line, indent+1)
		}
		if seen[l] {
			return nil, parseError(fmt.Sprintf("criterium type %q used twice", letterText), line, indent+1)
		}
		seen[l] = true

		term := Term{Letter: l}
		for _, v := range strings.Split(valueText, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if v == "all" || v == "*" {
				term.Wildcard = true
				continue
			}
			term.Values = append(term.Values, v)
		}
		if term.Wildcard {
			term.Values = nil
		} else if len(term.Values) == 0 {
			return nil, parseError(fmt.Sprintf("criterium type %q has no value", letterText), line, indent+1)
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func mergeTerms(parent, own []Term, line int) ([]Term, error) {
	merged := append([]Term(nil), parent...)
	for _, t := range own {
		for _, p := range parent {
			if p.Letter == t.Letter {
				return nil, parseError(fmt.Sprintf("criterium type %q is already restricted by an enclosing line", string(t.Letter)), line, 1)
			}
		}
		merged = append(merged, t)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Letter < merged[j].Letter })
	return merged, nil
}

func parsePolicies(text string, line int) (domain.PolicyIDs, error) {
	fields := strings.Fields(text)
	ids := domain.PolicyIDs{}

	for i := 0; i < len(fields); i++ {
		kind, ok := domain.KindFromLetter(fields[i])
		if !ok {
			return nil, parseError(fmt.Sprintf("unknown policy type %q", fields[i]), line, 1)
		}
		if i+1 >= len(fields) {
			return nil, parseError(fmt.Sprintf("policy type %q has no policy id", fields[i]), line, 1)
		}
		if next, isKind := domain.KindFromLetter(fields[i+1]); isKind {
			return nil, parseError(fmt.Sprintf("policy type %q has no policy id before %q", fields[i], next.Letter()), line, 1)
		}
		if _, dup := ids[kind]; dup {
			return nil, parseError(fmt.Sprintf("policy type %q used twice", fields[i]), line, 1)
		}
		ids[kind] = fields[i+1]
		i++
	}
	return ids, nil
}
