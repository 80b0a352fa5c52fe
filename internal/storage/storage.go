// Package storage defines the harvested metadata entities shared by the
// OAI-PMH serving side and the harvest engine, together with the query
// shapes the stores accept. The in-memory and postgres implementations
// live in the memory and postgres subpackages.
package storage

import (
	"strings"
	"time"
)

// Item is a harvested object about which metadata records exist.
type Item struct {
	Identifier string
	Deleted    bool
}

// Format is a metadata format items can be disseminated in.
type Format struct {
	Prefix    string
	Namespace string
	Schema    string
	Deleted   bool
}

// Record is one dissemination of an item in one format. Deleted reports
// the effective state: a record counts as deleted when the record itself,
// its item or its format carries the deleted mark. Sets holds the specs
// of the item's set memberships in ascending order.
type Record struct {
	Identifier string
	Prefix     string
	Payload    string
	Datestamp  time.Time
	Deleted    bool
	Sets       []string
}

// Set is a node of the colon-delimited set hierarchy.
type Set struct {
	Spec string
	Name string
}

// RecordQuery selects records. Zero-valued fields do not filter.
// Offset is an exclusive-lower-bound style cursor: only records whose
// identifier sorts at or after it are returned. Limit of zero means
// unbounded.
type RecordQuery struct {
	Identifier     string
	MetadataPrefix string
	From           *time.Time
	Until          *time.Time
	Set            string
	IgnoreDeleted  bool
	Offset         string
	Limit          int
}

// FormatQuery selects metadata formats. A non-empty Identifier restricts
// the result to formats for which that item has a record.
type FormatQuery struct {
	Identifier    string
	IgnoreDeleted bool
}

// SetMatches reports whether an item belonging to the set memberSpec is
// selected by a query for filterSpec. Membership in a set implies
// membership in every ancestor, so "a:b:c" matches filters "a:b:c",
// "a:b" and "a".
func SetMatches(memberSpec, filterSpec string) bool {
	return memberSpec == filterSpec || strings.HasPrefix(memberSpec, filterSpec+":")
}

// Ancestors returns the proper ancestors of spec from the root downwards.
// Ancestors("a:b:c") is ["a", "a:b"].
func Ancestors(spec string) []string {
	var ancestors []string
	for i, r := range spec {
		if r == ':' {
			ancestors = append(ancestors, spec[:i])
		}
	}
	return ancestors
}

// LastSegment returns the final colon-delimited segment of spec. It names
// ancestor sets synthesized during harvesting.
func LastSegment(spec string) string {
	if i := strings.LastIndexByte(spec, ':'); i >= 0 {
		return spec[i+1:]
	}
	return spec
}
