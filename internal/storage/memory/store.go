// Package memory provides an in-memory metadata store. It backs tests
// and small single-process deployments; the postgres package provides
// the durable equivalent with the same behavior.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aryla/kuha/internal/storage"
	"github.com/aryla/kuha/pkg/platform/sentinel"
)

type recordKey struct {
	identifier string
	prefix     string
}

type itemState struct {
	deleted bool
	sets    map[string]struct{}
}

type formatState struct {
	namespace string
	schema    string
	deleted   bool
}

type recordState struct {
	payload   string
	datestamp time.Time
	deleted   bool
}

// Store keeps all harvested metadata in process memory, guarded by a
// single lock. Commit stamps the synchronization datestamp the same way
// the postgres store does, so resumption token expiry behaves
// identically against both.
type Store struct {
	mu    sync.RWMutex
	clock func() time.Time

	items   map[string]*itemState
	formats map[string]*formatState
	records map[recordKey]*recordState
	sets    map[string]string

	latest    time.Time
	hasLatest bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for record datestamps and the
// synchronization datestamp.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   time.Now,
		items:   make(map[string]*itemState),
		formats: make(map[string]*formatState),
		records: make(map[recordKey]*recordState),
		sets:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now normalizes clock readings to UTC at second granularity, the finest
// precision datestamps are served with.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Second)
}

// effectiveDeleted reports whether the record at key counts as deleted,
// through its own mark or through its item's or format's.
func (s *Store) effectiveDeleted(key recordKey, rec *recordState) bool {
	if rec.deleted {
		return true
	}
	if item, ok := s.items[key.identifier]; ok && item.deleted {
		return true
	}
	if format, ok := s.formats[key.prefix]; ok && format.deleted {
		return true
	}
	return false
}

func (s *Store) ItemExists(_ context.Context, identifier string, ignoreDeleted bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[identifier]
	if !ok {
		return false, nil
	}
	if ignoreDeleted && item.deleted {
		return false, nil
	}
	return true, nil
}

func (s *Store) ListItems(_ context.Context, ignoreDeleted bool) ([]storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]storage.Item, 0, len(s.items))
	for identifier, item := range s.items {
		if ignoreDeleted && item.deleted {
			continue
		}
		items = append(items, storage.Item{Identifier: identifier, Deleted: item.deleted})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Identifier < items[j].Identifier })
	return items, nil
}

func (s *Store) GetItem(_ context.Context, identifier string) (storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[identifier]
	if !ok {
		return storage.Item{}, fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	return storage.Item{Identifier: identifier, Deleted: item.deleted}, nil
}

func (s *Store) UpsertItem(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[identifier]
	if !ok {
		item = &itemState{sets: make(map[string]struct{})}
		s.items[identifier] = item
	}
	item.deleted = false
	return nil
}

func (s *Store) MarkItemDeleted(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[identifier]
	if !ok {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	item.deleted = true
	return nil
}

func (s *Store) ClearItemSets(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[identifier]
	if !ok {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	item.sets = make(map[string]struct{})
	return nil
}

func (s *Store) AddItemToSet(_ context.Context, identifier, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[identifier]
	if !ok {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	if _, ok := s.sets[spec]; !ok {
		return fmt.Errorf("set %q: %w", spec, sentinel.ErrNotFound)
	}
	item.sets[spec] = struct{}{}
	return nil
}

func (s *Store) FormatExists(_ context.Context, prefix string, ignoreDeleted bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	format, ok := s.formats[prefix]
	if !ok {
		return false, nil
	}
	if ignoreDeleted && format.deleted {
		return false, nil
	}
	return true, nil
}

func (s *Store) ListFormats(_ context.Context, q storage.FormatQuery) ([]storage.Format, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	formats := make([]storage.Format, 0, len(s.formats))
	for prefix, format := range s.formats {
		if q.IgnoreDeleted && format.deleted {
			continue
		}
		if q.Identifier != "" && !s.hasRecord(q.Identifier, prefix, q.IgnoreDeleted) {
			continue
		}
		formats = append(formats, storage.Format{
			Prefix:    prefix,
			Namespace: format.namespace,
			Schema:    format.schema,
			Deleted:   format.deleted,
		})
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].Prefix < formats[j].Prefix })
	return formats, nil
}

// hasRecord reports whether a record exists for the item and prefix pair.
// Callers hold the lock.
func (s *Store) hasRecord(identifier, prefix string, ignoreDeleted bool) bool {
	key := recordKey{identifier: identifier, prefix: prefix}
	rec, ok := s.records[key]
	if !ok {
		return false
	}
	return !ignoreDeleted || !s.effectiveDeleted(key, rec)
}

func (s *Store) UpsertFormat(_ context.Context, prefix, namespace, schema string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	format, ok := s.formats[prefix]
	if !ok {
		format = &formatState{}
		s.formats[prefix] = format
	}
	format.namespace = namespace
	format.schema = schema
	format.deleted = false
	return nil
}

func (s *Store) MarkFormatDeleted(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	format, ok := s.formats[prefix]
	if !ok {
		return fmt.Errorf("format %q: %w", prefix, sentinel.ErrNotFound)
	}
	format.deleted = true
	return nil
}

func (s *Store) ListRecords(_ context.Context, q storage.RecordQuery) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []storage.Record
	for key, rec := range s.records {
		if q.Identifier != "" && key.identifier != q.Identifier {
			continue
		}
		if q.MetadataPrefix != "" && key.prefix != q.MetadataPrefix {
			continue
		}
		if q.Offset != "" && key.identifier < q.Offset {
			continue
		}
		if q.From != nil && rec.datestamp.Before(*q.From) {
			continue
		}
		if q.Until != nil && rec.datestamp.After(*q.Until) {
			continue
		}
		if q.IgnoreDeleted && s.effectiveDeleted(key, rec) {
			continue
		}
		if q.Set != "" && !s.itemInSet(key.identifier, q.Set) {
			continue
		}
		records = append(records, storage.Record{
			Identifier: key.identifier,
			Prefix:     key.prefix,
			Payload:    rec.payload,
			Datestamp:  rec.datestamp,
			Deleted:    s.effectiveDeleted(key, rec),
			Sets:       s.itemSets(key.identifier),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Identifier != records[j].Identifier {
			return records[i].Identifier < records[j].Identifier
		}
		return records[i].Prefix < records[j].Prefix
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// itemInSet reports whether the item belongs to the set or to any of its
// descendants. Callers hold the lock.
func (s *Store) itemInSet(identifier, spec string) bool {
	item, ok := s.items[identifier]
	if !ok {
		return false
	}
	for member := range item.sets {
		if storage.SetMatches(member, spec) {
			return true
		}
	}
	return false
}

// itemSets returns the item's set specs in ascending order. Callers hold
// the lock.
func (s *Store) itemSets(identifier string) []string {
	item, ok := s.items[identifier]
	if !ok || len(item.sets) == 0 {
		return nil
	}
	specs := make([]string, 0, len(item.sets))
	for spec := range item.sets {
		specs = append(specs, spec)
	}
	sort.Strings(specs)
	return specs
}

func (s *Store) UpsertRecord(_ context.Context, identifier, prefix, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[identifier]; !ok {
		return fmt.Errorf("item %q: %w", identifier, sentinel.ErrNotFound)
	}
	if _, ok := s.formats[prefix]; !ok {
		return fmt.Errorf("format %q: %w", prefix, sentinel.ErrNotFound)
	}
	key := recordKey{identifier: identifier, prefix: prefix}
	rec, ok := s.records[key]
	if !ok {
		rec = &recordState{}
		s.records[key] = rec
	}
	rec.payload = payload
	rec.datestamp = s.now()
	rec.deleted = false
	return nil
}

// MarkRecordDeleted tombstones the record for the pair if one exists.
// Marking a pair that was never harvested is a no-op, matching an UPDATE
// that touches no rows.
func (s *Store) MarkRecordDeleted(_ context.Context, identifier, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{identifier: identifier, prefix: prefix}]
	if !ok {
		return nil
	}
	rec.deleted = true
	rec.datestamp = s.now()
	return nil
}

func (s *Store) EarliestDatestamp(_ context.Context, ignoreDeleted bool) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		earliest time.Time
		found    bool
	)
	for key, rec := range s.records {
		if ignoreDeleted && s.effectiveDeleted(key, rec) {
			continue
		}
		if !found || rec.datestamp.Before(earliest) {
			earliest = rec.datestamp
			found = true
		}
	}
	return earliest, found, nil
}

func (s *Store) ListSets(_ context.Context) ([]storage.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sets := make([]storage.Set, 0, len(s.sets))
	for spec, name := range s.sets {
		sets = append(sets, storage.Set{Spec: spec, Name: name})
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Spec < sets[j].Spec })
	return sets, nil
}

// UpsertSet stores the set and synthesizes any missing ancestors, naming
// them by their last spec segment. An existing ancestor keeps its name.
func (s *Store) UpsertSet(_ context.Context, spec, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ancestor := range storage.Ancestors(spec) {
		if _, ok := s.sets[ancestor]; !ok {
			s.sets[ancestor] = storage.LastSegment(ancestor)
		}
	}
	s.sets[spec] = name
	return nil
}

func (s *Store) LatestDatestamp(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latest, s.hasLatest, nil
}

// PurgeDeleted removes every entity carrying the deleted mark. Removing
// an item or format removes its records, mirroring the cascading foreign
// keys of the postgres store.
func (s *Store) PurgeDeleted(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.records {
		if rec.deleted {
			delete(s.records, key)
		}
	}
	for identifier, item := range s.items {
		if !item.deleted {
			continue
		}
		delete(s.items, identifier)
		for key := range s.records {
			if key.identifier == identifier {
				delete(s.records, key)
			}
		}
	}
	for prefix, format := range s.formats {
		if !format.deleted {
			continue
		}
		delete(s.formats, prefix)
		for key := range s.records {
			if key.prefix == prefix {
				delete(s.records, key)
			}
		}
	}
	return nil
}

// Commit advances the synchronization datestamp. Resumption tokens issued
// at or before it are expired from then on.
func (s *Store) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = s.now()
	s.hasLatest = true
	return nil
}
