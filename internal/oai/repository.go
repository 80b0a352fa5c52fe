// Package oai implements the OAI-PMH 2.0 repository side: request
// argument validation, the six protocol verbs, resumption tokens and the
// protocol error taxonomy. Transport and XML rendering live in the
// handler subpackage.
package oai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aryla/kuha/internal/storage"
	"github.com/aryla/kuha/pkg/requestcontext"
)

// DefaultListLimit caps list responses when no limit is configured.
const DefaultListLimit = 100

// Deleted record support levels advertised by Identify. With PolicyNo the
// repository hides tombstones entirely.
const (
	PolicyNo         = "no"
	PolicyTransient  = "transient"
	PolicyPersistent = "persistent"
)

// Storage is the read surface the verbs need. Both stores implement it.
type Storage interface {
	ItemExists(ctx context.Context, identifier string, ignoreDeleted bool) (bool, error)
	FormatExists(ctx context.Context, prefix string, ignoreDeleted bool) (bool, error)
	ListFormats(ctx context.Context, q storage.FormatQuery) ([]storage.Format, error)
	ListRecords(ctx context.Context, q storage.RecordQuery) ([]storage.Record, error)
	EarliestDatestamp(ctx context.Context, ignoreDeleted bool) (time.Time, bool, error)
	ListSets(ctx context.Context) ([]storage.Set, error)
	LatestDatestamp(ctx context.Context) (time.Time, bool, error)
}

// Settings carries the repository's advertised properties and paging
// limit.
type Settings struct {
	RepositoryName string
	AdminEmails    []string
	// DeletedRecords is one of PolicyNo, PolicyTransient or
	// PolicyPersistent. PolicyNo makes every read ignore tombstones.
	DeletedRecords string
	// Descriptions holds raw XML fragments emitted inside Identify's
	// <description> containers.
	Descriptions []string
	ListLimit    int
}

// Repository answers the protocol verbs against a metadata store.
type Repository struct {
	store    Storage
	settings Settings
	logger   *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger used for internal faults.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// New builds a Repository over store.
func New(store Storage, settings Settings, opts ...Option) *Repository {
	if settings.ListLimit <= 0 {
		settings.ListLimit = DefaultListLimit
	}
	r := &Repository{
		store:    store,
		settings: settings,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ignoreDeleted reports whether reads must hide tombstones.
func (r *Repository) ignoreDeleted() bool {
	return r.settings.DeletedRecords == PolicyNo
}

// now is the single timestamp of the current request. Response dates,
// token issue dates and earliest-datestamp fallbacks all read it, so one
// request never observes two different times.
func (r *Repository) now(ctx context.Context) time.Time {
	return requestcontext.Now(ctx).UTC().Truncate(time.Second)
}

// IdentifyResult is the payload of the Identify verb.
type IdentifyResult struct {
	RepositoryName    string
	AdminEmails       []string
	DeletedRecords    string
	EarliestDatestamp time.Time
	Descriptions      []string
}

// Identify reports the repository's properties. An empty repository
// advertises the request time as its earliest datestamp.
func (r *Repository) Identify(ctx context.Context, params Params) (*IdentifyResult, error) {
	if err := checkParams(params, nil, nil); err != nil {
		return nil, err
	}
	earliest, found, err := r.store.EarliestDatestamp(ctx, r.ignoreDeleted())
	if err != nil {
		r.logger.ErrorContext(ctx, "earliest datestamp lookup failed", "error", err)
		return nil, fmt.Errorf("earliest datestamp: %w", err)
	}
	if !found {
		earliest = r.now(ctx)
	}
	return &IdentifyResult{
		RepositoryName:    r.settings.RepositoryName,
		AdminEmails:       r.settings.AdminEmails,
		DeletedRecords:    r.settings.DeletedRecords,
		EarliestDatestamp: earliest,
		Descriptions:      r.settings.Descriptions,
	}, nil
}

// ListSets returns the set hierarchy. The verb is never paged, so any
// resumption token is answered as invalid, an expired one included.
func (r *Repository) ListSets(ctx context.Context, params Params) ([]storage.Set, error) {
	if _, hasToken, err := r.resolveToken(ctx, "ListSets", params); err != nil || hasToken {
		if errors.Is(err, ErrExpiredResumptionToken) || hasToken {
			return nil, ErrInvalidResumptionToken
		}
		return nil, err
	}
	if err := checkParams(params, nil, nil); err != nil {
		return nil, err
	}
	sets, err := r.store.ListSets(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "set listing failed", "error", err)
		return nil, fmt.Errorf("list sets: %w", err)
	}
	if len(sets) == 0 {
		return nil, ErrNoSetHierarchy
	}
	return sets, nil
}

// ListMetadataFormats returns the formats the repository or one item can
// be disseminated in.
func (r *Repository) ListMetadataFormats(ctx context.Context, params Params) ([]storage.Format, error) {
	if err := checkParams(params, nil, []string{"identifier"}); err != nil {
		return nil, err
	}
	ignoreDeleted := r.ignoreDeleted()
	identifier, err := r.lookupIdentifier(ctx, params, ignoreDeleted)
	if err != nil {
		return nil, err
	}
	formats, err := r.store.ListFormats(ctx, storage.FormatQuery{
		Identifier:    identifier,
		IgnoreDeleted: ignoreDeleted,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "format listing failed", "error", err)
		return nil, fmt.Errorf("list formats: %w", err)
	}
	if len(formats) == 0 {
		if identifier != "" {
			return nil, NoMetadataFormats(identifier)
		}
		return nil, fmt.Errorf("repository has no metadata formats")
	}
	return formats, nil
}

// RecordList is one page of a ListIdentifiers or ListRecords response.
// A nil Token means the response is complete and carries no token
// element. A pointer to the empty string closes a token-driven exchange:
// the protocol requires the final page of one to carry an empty token.
type RecordList struct {
	Records []storage.Record
	Token   *string
}

// ListIdentifiers returns record headers matching the request.
func (r *Repository) ListIdentifiers(ctx context.Context, params Params) (*RecordList, error) {
	return r.listRecords(ctx, "ListIdentifiers", params)
}

// ListRecords returns full records matching the request.
func (r *Repository) ListRecords(ctx context.Context, params Params) (*RecordList, error) {
	return r.listRecords(ctx, "ListRecords", params)
}

// listRecords drives both list verbs. A resumption token replays the
// original request's arguments from its own fields; any protocol error
// raised while validating or serving a replayed request is reported as an
// invalid token, because the client cannot have caused it with this
// request alone.
func (r *Repository) listRecords(ctx context.Context, verb string, params Params) (*RecordList, error) {
	now := r.now(ctx)

	effective, hasToken, err := r.resolveToken(ctx, verb, params)
	if err != nil {
		return nil, err
	}
	var required, allowed []string
	if hasToken {
		required = []string{"metadataPrefix", "offset", "date", "from", "until", "set"}
	} else {
		effective = params
		required = []string{"metadataPrefix"}
		allowed = []string{"from", "until", "set"}
	}

	records, nextOffset, err := r.fetchRecords(ctx, effective, required, allowed)
	if err != nil {
		var oaiErr *Error
		if hasToken && errors.As(err, &oaiErr) {
			return nil, ErrInvalidResumptionToken
		}
		return nil, err
	}

	list := &RecordList{Records: records}
	switch {
	case nextOffset != "":
		token := encodeResumptionToken(effective, verb, nextOffset, now)
		list.Token = &token
	case hasToken:
		empty := ""
		list.Token = &empty
	}
	return list, nil
}

// fetchRecords validates the effective arguments and reads one page plus
// one record of lookahead. A full lookahead page means more records
// remain; the extra record's identifier becomes the next page's offset.
func (r *Repository) fetchRecords(ctx context.Context, params Params, required, allowed []string) ([]storage.Record, string, error) {
	if err := checkParams(params, required, allowed); err != nil {
		return nil, "", err
	}
	ignoreDeleted := r.ignoreDeleted()
	prefix, err := r.lookupMetadataPrefix(ctx, params, ignoreDeleted)
	if err != nil {
		return nil, "", err
	}
	from, until, err := parseFromAndUntil(params.value("from"), params.value("until"))
	if err != nil {
		return nil, "", err
	}
	set, hasSet := params.Get("set")
	if hasSet {
		sets, err := r.store.ListSets(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "set listing failed", "error", err)
			return nil, "", fmt.Errorf("list sets: %w", err)
		}
		if len(sets) == 0 {
			return nil, "", ErrNoSetHierarchy
		}
	}
	offset, _ := params.Get("offset")

	limit := r.settings.ListLimit
	records, err := r.store.ListRecords(ctx, storage.RecordQuery{
		MetadataPrefix: prefix,
		From:           from,
		Until:          until,
		Set:            set,
		IgnoreDeleted:  ignoreDeleted,
		Offset:         offset,
		Limit:          limit + 1,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "record listing failed", "error", err)
		return nil, "", fmt.Errorf("list records: %w", err)
	}
	if len(records) == 0 {
		return nil, "", ErrNoRecordsMatch
	}
	if len(records) == limit+1 {
		next := records[limit].Identifier
		return records[:limit], next, nil
	}
	return records, "", nil
}

// GetRecord returns the single record for an identifier and format pair.
// Unknown identifiers outrank unknown formats, which outrank known
// formats the item has no record in.
func (r *Repository) GetRecord(ctx context.Context, params Params) (*storage.Record, error) {
	if err := checkParams(params, []string{"identifier", "metadataPrefix"}, nil); err != nil {
		return nil, err
	}
	ignoreDeleted := r.ignoreDeleted()
	identifier, err := r.lookupIdentifier(ctx, params, ignoreDeleted)
	if err != nil {
		return nil, err
	}
	prefix, err := r.lookupMetadataPrefix(ctx, params, ignoreDeleted)
	if err != nil {
		return nil, err
	}
	records, err := r.store.ListRecords(ctx, storage.RecordQuery{
		Identifier:     identifier,
		MetadataPrefix: prefix,
		IgnoreDeleted:  ignoreDeleted,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "record lookup failed", "error", err)
		return nil, fmt.Errorf("get record: %w", err)
	}
	if len(records) == 0 {
		return nil, UnavailableMetadataFormat(prefix, identifier)
	}
	if len(records) > 1 {
		return nil, fmt.Errorf("%d records for identifier %q and prefix %q", len(records), identifier, prefix)
	}
	return &records[0], nil
}

// lookupIdentifier resolves the identifier argument, if supplied, against
// the store. It returns the empty string when the argument is absent.
func (r *Repository) lookupIdentifier(ctx context.Context, params Params, ignoreDeleted bool) (string, error) {
	identifier, ok := params.Get("identifier")
	if !ok {
		return "", nil
	}
	exists, err := r.store.ItemExists(ctx, identifier, ignoreDeleted)
	if err != nil {
		r.logger.ErrorContext(ctx, "item lookup failed", "error", err)
		return "", fmt.Errorf("item exists: %w", err)
	}
	if !exists {
		return "", IDDoesNotExist(identifier)
	}
	return identifier, nil
}

// lookupMetadataPrefix resolves the metadataPrefix argument against the
// repository's formats.
func (r *Repository) lookupMetadataPrefix(ctx context.Context, params Params, ignoreDeleted bool) (string, error) {
	prefix, _ := params.Get("metadataPrefix")
	exists, err := r.store.FormatExists(ctx, prefix, ignoreDeleted)
	if err != nil {
		r.logger.ErrorContext(ctx, "format lookup failed", "error", err)
		return "", fmt.Errorf("format exists: %w", err)
	}
	if !exists {
		return "", UnsupportedMetadataFormat(prefix)
	}
	return prefix, nil
}
