package harvest

import "strings"

// defaultDenyTerms blocks sensitive or regulated verticals from ever being
// persisted, regardless of volume.
var defaultDenyTerms = []string{
	"카지노",
	"바카라",
	"토토",
	"도박",
	"사설베팅",
	"성인",
	"대출",
	"casino",
	"betting",
}

// Denylist rejects candidate terms by substring match.
type Denylist struct {
	terms []string
}

// NewDenylist builds a Denylist from the built-in terms plus any extras from
// configuration. Entries are lowercased and blank entries dropped.
func NewDenylist(extra []string) *Denylist {
	d := &Denylist{}
	for _, raw := range append(append([]string{}, defaultDenyTerms...), extra...) {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		d.terms = append(d.terms, value)
	}
	return d
}

// Blocked reports whether the term contains any denylisted substring.
func (d *Denylist) Blocked(term string) bool {
	if d == nil {
		return false
	}
	lowered := strings.ToLower(term)
	for _, t := range d.terms {
		if strings.Contains(lowered, t) {
			return true
		}
	}
	return false
}

// NormalizeTerm derives the natural key from a candidate's display text by
// stripping all whitespace, matching how the upstream service keys terms.
func NormalizeTerm(raw string) string {
	return strings.Join(strings.Fields(raw), "")
}
