package harvest

import (
	"context"
	"time"
)

// FormatSpec describes one metadata format a provider serves.
type FormatSpec struct {
	Namespace string
	Schema    string
}

// SetSpec is one set membership reported by a provider.
type SetSpec struct {
	Spec string
	Name string
}

// Provider is a source of harvestable metadata. The engine drives it in
// a fixed order: Formats and Identifiers enumerate the corpus, then
// HasChanged, GetRecord and GetSets are called per identifier.
//
// GetRecord reports ok=false for an identifier and prefix pair the
// provider knows but can no longer disseminate; the engine turns that
// into a deletion. An error means the dissemination itself failed and
// leaves the stored record untouched.
type Provider interface {
	Formats(ctx context.Context) (map[string]FormatSpec, error)
	Identifiers(ctx context.Context) ([]string, error)
	HasChanged(ctx context.Context, identifier string, since time.Time) (bool, error)
	GetRecord(ctx context.Context, identifier, prefix string) (payload string, ok bool, err error)
	GetSets(ctx context.Context, identifier string) ([]SetSpec, error)
}
