// Package harvest synchronizes a metadata store with a provider. A run
// reconciles formats, then items, then records and set memberships, so
// the serving side always sees referentially complete data. Deletions are
// propagated as tombstones; physical removal happens only when a run is
// told to purge.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aryla/kuha/internal/harvest/metrics"
	"github.com/aryla/kuha/internal/storage"
	pstrings "github.com/aryla/kuha/pkg/platform/strings"
)

// Storage is the write surface a harvest run needs.
type Storage interface {
	ListFormats(ctx context.Context, q storage.FormatQuery) ([]storage.Format, error)
	UpsertFormat(ctx context.Context, prefix, namespace, schema string) error
	MarkFormatDeleted(ctx context.Context, prefix string) error

	ListItems(ctx context.Context, ignoreDeleted bool) ([]storage.Item, error)
	GetItem(ctx context.Context, identifier string) (storage.Item, error)
	UpsertItem(ctx context.Context, identifier string) error
	MarkItemDeleted(ctx context.Context, identifier string) error
	ClearItemSets(ctx context.Context, identifier string) error
	AddItemToSet(ctx context.Context, identifier, spec string) error

	UpsertRecord(ctx context.Context, identifier, prefix, payload string) error
	MarkRecordDeleted(ctx context.Context, identifier, prefix string) error

	UpsertSet(ctx context.Context, spec, name string) error

	LatestDatestamp(ctx context.Context) (time.Time, bool, error)
	PurgeDeleted(ctx context.Context) error
	Commit(ctx context.Context) error
}

// Engine runs harvests against one store.
type Engine struct {
	store   Storage
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics enables harvest metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New builds an Engine over store.
func New(store Storage, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions controls one harvest run.
type RunOptions struct {
	// Purge physically removes tombstoned entities after the format and
	// item passes.
	Purge bool
	// DryRun computes and logs every change without touching the store.
	DryRun bool
	// Incremental skips items unchanged since the store's latest
	// synchronization datestamp instead of re-fetching everything.
	Incremental bool
}

// Run performs a full harvest: formats, items, then records and sets.
func (e *Engine) Run(ctx context.Context, provider Provider, opts RunOptions) error {
	var since time.Time
	if opts.Incremental {
		latest, ok, err := e.store.LatestDatestamp(ctx)
		if err != nil {
			e.observeRun("error", opts.DryRun)
			return fmt.Errorf("latest datestamp: %w", err)
		}
		if ok {
			since = latest
		}
	}

	prefixes, err := e.UpdateFormats(ctx, provider, opts.Purge, opts.DryRun)
	if err != nil {
		e.observeRun("error", opts.DryRun)
		return err
	}
	identifiers, err := e.UpdateItems(ctx, provider, opts.Purge, opts.DryRun)
	if err != nil {
		e.observeRun("error", opts.DryRun)
		return err
	}
	if err := e.UpdateRecords(ctx, provider, identifiers, prefixes, since, opts.DryRun); err != nil {
		e.observeRun("error", opts.DryRun)
		return err
	}
	e.observeRun("ok", opts.DryRun)
	return nil
}

// UpdateFormats reconciles the store's metadata formats with the
// provider's. Formats the provider no longer serves are marked deleted;
// every served format is upserted. It returns the provider's prefixes in
// ascending order.
func (e *Engine) UpdateFormats(ctx context.Context, provider Provider, purge, dryRun bool) ([]string, error) {
	formats, err := provider.Formats(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to update metadata formats", "error", err)
		return nil, &Error{Message: "fetching metadata formats failed", Err: err}
	}
	if len(formats) == 0 {
		return nil, &Error{Message: "provider returned no metadata formats"}
	}

	prefixes := make([]string, 0, len(formats))
	for prefix := range formats {
		prefixes = append(prefixes, prefix)
	}
	slices.Sort(prefixes)
	for _, prefix := range prefixes {
		spec := formats[prefix]
		if prefix == "" || pstrings.ContainsIllegalXML(prefix) || spec.Namespace == "" || spec.Schema == "" {
			return nil, &Error{Message: fmt.Sprintf("provider returned an invalid format %q", prefix)}
		}
	}

	current, err := e.store.ListFormats(ctx, storage.FormatQuery{IgnoreDeleted: true})
	if err != nil {
		return nil, fmt.Errorf("list formats: %w", err)
	}
	known := make(map[string]bool, len(current))
	removed := 0
	for _, format := range current {
		known[format.Prefix] = true
		if _, ok := formats[format.Prefix]; ok {
			continue
		}
		removed++
		if dryRun {
			continue
		}
		if err := e.store.MarkFormatDeleted(ctx, format.Prefix); err != nil {
			return nil, fmt.Errorf("mark format %q deleted: %w", format.Prefix, err)
		}
	}

	added := 0
	for _, prefix := range prefixes {
		if !known[prefix] {
			added++
		}
		if dryRun {
			continue
		}
		spec := formats[prefix]
		if err := e.store.UpsertFormat(ctx, prefix, spec.Namespace, spec.Schema); err != nil {
			return nil, fmt.Errorf("upsert format %q: %w", prefix, err)
		}
	}

	if purge && !dryRun {
		if err := e.store.PurgeDeleted(ctx); err != nil {
			return nil, fmt.Errorf("purge deleted: %w", err)
		}
	}
	if !dryRun {
		if err := e.store.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit formats: %w", err)
		}
	}

	e.logger.InfoContext(ctx, fmt.Sprintf("Removed %s and added %s.", plural(removed, "format"), plural(added, "format")))
	if e.metrics != nil && !dryRun {
		e.metrics.ObserveDiff("format", added, removed)
	}
	return prefixes, nil
}

// UpdateItems reconciles the store's items with the provider's
// identifiers. Identifiers are deduplicated; absentees are marked
// deleted. It returns the deduplicated identifiers in ascending order.
func (e *Engine) UpdateItems(ctx context.Context, provider Provider, purge, dryRun bool) ([]string, error) {
	identifiers, err := provider.Identifiers(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to update items", "error", err)
		return nil, &Error{Message: "fetching identifiers failed", Err: err}
	}
	for _, identifier := range identifiers {
		if strings.TrimSpace(identifier) == "" || pstrings.ContainsIllegalXML(identifier) {
			return nil, &Error{Message: fmt.Sprintf("provider returned an invalid identifier %q", identifier)}
		}
	}
	unique := pstrings.DedupeAndTrim(identifiers)
	slices.Sort(unique)

	current, err := e.store.ListItems(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	wanted := make(map[string]bool, len(unique))
	for _, identifier := range unique {
		wanted[identifier] = true
	}
	known := make(map[string]bool, len(current))
	removed := 0
	for _, item := range current {
		known[item.Identifier] = true
		if wanted[item.Identifier] {
			continue
		}
		removed++
		if dryRun {
			continue
		}
		if err := e.store.MarkItemDeleted(ctx, item.Identifier); err != nil {
			return nil, fmt.Errorf("mark item %q deleted: %w", item.Identifier, err)
		}
	}

	added := 0
	for _, identifier := range unique {
		if !known[identifier] {
			added++
		}
		if dryRun {
			continue
		}
		if err := e.store.UpsertItem(ctx, identifier); err != nil {
			return nil, fmt.Errorf("upsert item %q: %w", identifier, err)
		}
	}

	if purge && !dryRun {
		if err := e.store.PurgeDeleted(ctx); err != nil {
			return nil, fmt.Errorf("purge deleted: %w", err)
		}
	}
	if !dryRun {
		if err := e.store.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit items: %w", err)
		}
	}

	e.logger.InfoContext(ctx, fmt.Sprintf("Removed %s and added %s.", plural(removed, "item"), plural(added, "item")))
	if e.metrics != nil && !dryRun {
		e.metrics.ObserveDiff("item", added, removed)
	}
	return unique, nil
}

// UpdateRecords fetches every dissemination of every identifier and
// stores the results. Failures are contained per item or per format pair
// so one broken record cannot stall the run; only store and context
// failures abort. Each upserted record is committed on its own, keeping
// a crash from losing more than one record's work.
func (e *Engine) UpdateRecords(ctx context.Context, provider Provider, identifiers, prefixes []string, since time.Time, dryRun bool) error {
	updated := 0
	dirty := false
	for _, identifier := range identifiers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !since.IsZero() {
			changed, err := provider.HasChanged(ctx, identifier, since)
			if err != nil {
				e.logger.ErrorContext(ctx, fmt.Sprintf(`Failed to update item "%s"`, identifier), "error", err)
				e.observeFailure("item", dryRun)
				continue
			}
			if !changed {
				e.logger.InfoContext(ctx, fmt.Sprintf(`Skipping item "%s"`, identifier))
				continue
			}
		}

		for _, prefix := range prefixes {
			payload, ok, err := provider.GetRecord(ctx, identifier, prefix)
			if err != nil {
				e.logger.ErrorContext(ctx, fmt.Sprintf(`Failed to disseminate format "%s" for item "%s"`, prefix, identifier), "error", err)
				e.observeFailure("record", dryRun)
				continue
			}
			if !ok {
				if !dryRun {
					if err := e.store.MarkRecordDeleted(ctx, identifier, prefix); err != nil {
						return fmt.Errorf("mark record %s/%s deleted: %w", identifier, prefix, err)
					}
					dirty = true
				}
				continue
			}
			if !dryRun {
				if err := e.store.UpsertRecord(ctx, identifier, prefix, payload); err != nil {
					return fmt.Errorf("upsert record %s/%s: %w", identifier, prefix, err)
				}
				if err := e.store.Commit(ctx); err != nil {
					return fmt.Errorf("commit record %s/%s: %w", identifier, prefix, err)
				}
				dirty = false
			}
			updated++
		}

		if err := e.UpdateSets(ctx, provider, identifier, dryRun); err != nil {
			e.logger.ErrorContext(ctx, fmt.Sprintf(`Failed to update item "%s"`, identifier), "error", err)
			e.observeFailure("item", dryRun)
			continue
		}
		if !dryRun {
			dirty = true
		}
	}

	if dirty {
		if err := e.store.Commit(ctx); err != nil {
			return fmt.Errorf("commit records: %w", err)
		}
	}

	e.logger.InfoContext(ctx, fmt.Sprintf("Updated %s.", plural(updated, "record")))
	if e.metrics != nil && !dryRun {
		e.metrics.AddRecordsUpdated(updated)
	}
	return nil
}

// UpdateSets replaces the item's set memberships with the provider's
// current view, creating the sets as needed in ascending spec order.
func (e *Engine) UpdateSets(ctx context.Context, provider Provider, identifier string, dryRun bool) error {
	sets, err := provider.GetSets(ctx, identifier)
	if err != nil {
		return fmt.Errorf("fetch sets: %w", err)
	}
	if _, err := e.store.GetItem(ctx, identifier); err != nil {
		return fmt.Errorf("get item %q: %w", identifier, err)
	}
	for _, set := range sets {
		if set.Spec == "" || pstrings.ContainsIllegalXML(set.Spec) {
			return fmt.Errorf("invalid set spec %q", set.Spec)
		}
	}
	slices.SortFunc(sets, func(a, b SetSpec) int {
		return strings.Compare(a.Spec, b.Spec)
	})

	if dryRun {
		return nil
	}
	if err := e.store.ClearItemSets(ctx, identifier); err != nil {
		return fmt.Errorf("clear sets of item %q: %w", identifier, err)
	}
	for _, set := range sets {
		if err := e.store.UpsertSet(ctx, set.Spec, set.Name); err != nil {
			return fmt.Errorf("upsert set %q: %w", set.Spec, err)
		}
		if err := e.store.AddItemToSet(ctx, identifier, set.Spec); err != nil {
			return fmt.Errorf("add item %q to set %q: %w", identifier, set.Spec, err)
		}
	}
	return nil
}

// Dry runs move no counters; their findings are logs only.
func (e *Engine) observeRun(result string, dryRun bool) {
	if e.metrics != nil && !dryRun {
		e.metrics.ObserveRun(result)
	}
}

func (e *Engine) observeFailure(stage string, dryRun bool) {
	if e.metrics != nil && !dryRun {
		e.metrics.ObserveFailure(stage)
	}
}

// plural renders a count with its noun, "1 format" or "3 items".
func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
