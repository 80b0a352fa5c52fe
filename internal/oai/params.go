package oai

import (
	"net/url"
	"slices"
	"sort"

	pstrings "github.com/aryla/kuha/pkg/platform/strings"
)

// Params holds the arguments of one OAI-PMH request. Each name maps to
// its values in arrival order. A nil entry is a field replayed from a
// resumption token that carried an explicit null: it counts as present
// for the required-argument check but supplies no value.
type Params map[string][]*string

// ParamsFromQuery builds Params from decoded query or form values.
func ParamsFromQuery(query url.Values) Params {
	params := make(Params, len(query))
	for name, values := range query {
		entries := make([]*string, len(values))
		for i := range values {
			v := values[i]
			entries[i] = &v
		}
		params[name] = entries
	}
	return params
}

// Has reports whether name was supplied, even with a null value.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Get returns the first concrete value of name. A null or absent
// argument reports false.
func (p Params) Get(name string) (string, bool) {
	entries := p[name]
	if len(entries) == 0 || entries[0] == nil {
		return "", false
	}
	return *entries[0], true
}

// value returns the first entry of name as supplied, which may be nil.
func (p Params) value(name string) *string {
	entries := p[name]
	if len(entries) == 0 {
		return nil
	}
	return entries[0]
}

// checkParams validates p against a verb's argument lists. The verb
// argument itself is always expected. Names are checked in lexical order
// so the reported failure is deterministic: unknown names first per name,
// then repetition, then value legality, then missing required arguments.
func checkParams(p Params, required, allowed []string) error {
	verbs, ok := p["verb"]
	if !ok {
		return ErrMissingVerb
	}
	if len(verbs) > 1 {
		return ErrRepeatedVerb
	}

	names := make([]string, 0, len(p))
	for name := range p {
		if name == "verb" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !slices.Contains(required, name) && !slices.Contains(allowed, name) {
			return BadArgument(`Illegal argument: "%s"`, name)
		}
		entries := p[name]
		if len(entries) > 1 {
			return BadArgument(`Repeated argument: "%s"`, name)
		}
		if entries[0] != nil && pstrings.ContainsIllegalXML(*entries[0]) {
			return BadArgument(`Invalid argument: "%s"`, name)
		}
	}

	for _, name := range required {
		if _, ok := p[name]; !ok {
			return BadArgument(`Missing argument: "%s"`, name)
		}
	}
	return nil
}
