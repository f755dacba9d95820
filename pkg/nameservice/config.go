package nameservice

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// localName extracts the part of an IRI after the last "/" or "#", e.g.
// "P18" from "<http://www.wikidata.org/prop/direct/P18>".
var localName = regexp.MustCompile(`^.*[/#](.*)>`)

// AddTripleConfig describes one predicate the name service may attach to a
// projected variable.
//
// Position semantics for the new variable in the SELECT clause: 0 replaces
// the subject variable, a positive k inserts k positions right of the
// subject, a negative -k appends at offset -k from the end (-1 = last).
type AddTripleConfig struct {
	// Predicate is the IRI of the triple to add, possibly carrying a
	// language filter prefix such as "@en@<...>".
	Predicate string
	// Suffix is appended to the subject variable to derive the new
	// variable name.
	Suffix string
	// Position places the new variable on its first use for a query.
	Position int
	// PositionRepeated places the new variable on subsequent uses. For
	// label predicates the first label is added as a new column and
	// later labels replace their id columns.
	PositionRepeated int
	// Optional wraps the added triple in OPTIONAL { ... }.
	Optional bool
	// PredicateExists is the regex source used to detect that a triple
	// with this predicate (or an equivalent one) is already present for
	// a subject. No IRI canonicalisation: an equivalent but textually
	// different predicate form is not detected.
	PredicateExists string
	// SelectVarPosition restricts the config to a single projection
	// slot. Nil applies the config to every slot; negative values count
	// from the end of the projection.
	SelectVarPosition *int
}

// ParseAddTripleConfig parses a "<predicate>|<suffix>|<position>" command
// line argument into a config with the documented defaults applied.
func ParseAddTripleConfig(arg string) (AddTripleConfig, error) {
	parts := strings.Split(arg, "|")
	if len(parts) != 3 {
		return AddTripleConfig{}, fmt.Errorf(
			"argument must be of the form <predicate>|<suffix>|<position>, was %q", arg)
	}
	position, err := strconv.Atoi(parts[2])
	if err != nil {
		return AddTripleConfig{}, fmt.Errorf("position %q is not an integer", parts[2])
	}

	cfg := AddTripleConfig{
		Predicate:        parts[0],
		Suffix:           parts[1],
		Position:         position,
		PositionRepeated: position,
	}
	cfg.PredicateExists = "(" + cfg.Predicate + "|" +
		localName.ReplaceAllString(cfg.Predicate, `\S+:$1`) + ")"
	if _, err := regexp.Compile(cfg.PredicateExists); err != nil {
		return AddTripleConfig{}, fmt.Errorf("predicate %q does not form a valid existence regex: %v", cfg.Predicate, err)
	}

	// For label predicates, only the first label becomes a new column.
	// Later labels replace their id columns.
	if strings.Contains(cfg.Predicate, "label") {
		cfg.PositionRepeated = 0
	}

	// Images and coordinates may be missing, and only make sense for one
	// projection slot: images for the first, coordinates for the last.
	switch cfg.Suffix {
	case "_image":
		cfg.Optional = true
		cfg.SelectVarPosition = intPtr(0)
	case "_coords":
		cfg.Optional = true
		cfg.SelectVarPosition = intPtr(-1)
	}

	return cfg, nil
}

func intPtr(i int) *int {
	return &i
}

// String renders the config for the startup log.
func (c AddTripleConfig) String() string {
	suffix := c.Suffix
	if suffix == "" {
		suffix = "None"
	}
	return fmt.Sprintf("%s, suffix: %s, position: %d, optional: %t",
		c.Predicate, suffix, c.Position, c.Optional)
}
