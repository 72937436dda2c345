package rules

import "github.com/opensource-finance/heron/internal/domain"

// Letter is a criterium type tag in rule table text.
type Letter byte

const (
	LoanType     Letter = 't'
	Location     Letter = 's'
	Library      Letter = 'c'
	Campus       Letter = 'b'
	Institution  Letter = 'a'
	MaterialType Letter = 'm'
	PatronGroup  Letter = 'g'
)

// DefaultPriority is the letter order used when a table has no priority line.
var DefaultPriority = []Letter{LoanType, Location, Library, Campus, Institution, MaterialType, PatronGroup}

var letterNames = map[Letter]string{
	LoanType:     "Loan type",
	Location:     "Location",
	Library:      "Library",
	Campus:       "Campus",
	Institution:  "Institution",
	MaterialType: "Material type",
	PatronGroup:  "Patron group",
}

func isLetter(s string) (Letter, bool) {
	if len(s) != 1 {
		return 0, false
	}
	l := Letter(s[0])
	_, ok := letterNames[l]
	return l, ok
}

// Name is the human readable criterium name reported in conditions.
func (l Letter) Name() string {
	return letterNames[l]
}

// variable is the CEL variable bound to the letter.
func (l Letter) variable() string {
	return string(l)
}

// activation binds a criteria tuple to the CEL variables of each letter.
func activation(c domain.Criteria) map[string]any {
	return map[string]any{
		LoanType.variable():     c.LoanTypeID,
		Location.variable():     c.LocationID,
		Library.variable():      c.LibraryID,
		Campus.variable():       c.CampusID,
		Institution.variable():  c.InstitutionID,
		MaterialType.variable(): c.MaterialTypeID,
		PatronGroup.variable():  c.PatronGroupID,
	}
}
