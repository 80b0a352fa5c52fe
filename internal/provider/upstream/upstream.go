// Package upstream mirrors a remote OAI-PMH repository. Identifiers
// pages through the remote's ListIdentifiers and caches every header's
// datestamp and set memberships; the other methods answer from that
// cache, so a harvest run works against one consistent snapshot of the
// remote listing. Record payloads are fetched one GetRecord request at
// a time and carried over verbatim as the inner XML of the remote's
// metadata element.
package upstream

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aryla/kuha/internal/harvest"
	"github.com/aryla/kuha/internal/oai"
	"github.com/aryla/kuha/internal/storage"
)

// defaultTimeout bounds one request to the remote. Paged listings issue
// many requests, so the budget is per page, not per harvest.
const defaultTimeout = 60 * time.Second

const statusDeleted = "deleted"

type headerEntry struct {
	datestamp time.Time
	sets      []string
}

// Provider harvests a remote repository at baseURL. The prefix is the
// metadata prefix the remote pages identifiers with; ListIdentifiers
// requires one even though the harvester copies every format.
type Provider struct {
	baseURL string
	prefix  string
	client  *http.Client

	mu       sync.Mutex
	headers  map[string]headerEntry
	setNames map[string]string
}

var _ harvest.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the default client, e.g. to shorten the
// request timeout in tests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// New opens the remote repository at baseURL, paging identifiers with
// the given metadata prefix.
func New(baseURL, prefix string, opts ...Option) (*Provider, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("source URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("source URL %q is not an http(s) endpoint", baseURL)
	}
	if prefix == "" {
		return nil, fmt.Errorf("source %q needs a metadata prefix to page identifiers with", baseURL)
	}
	p := &Provider{
		baseURL: baseURL,
		prefix:  prefix,
		client:  &http.Client{Timeout: defaultTimeout},
		headers: map[string]headerEntry{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Formats asks the remote for its metadata formats.
func (p *Provider) Formats(ctx context.Context) (map[string]harvest.FormatSpec, error) {
	env, err := p.fetch(ctx, url.Values{"verb": {"ListMetadataFormats"}})
	if err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, remoteError("ListMetadataFormats", env.Error)
	}
	if env.ListMetadataFormats == nil {
		return nil, fmt.Errorf("ListMetadataFormats: remote answered without a result element")
	}
	formats := make(map[string]harvest.FormatSpec, len(env.ListMetadataFormats.Formats))
	for _, f := range env.ListMetadataFormats.Formats {
		formats[f.Prefix] = harvest.FormatSpec{Namespace: f.Namespace, Schema: f.Schema}
	}
	return formats, nil
}

// Identifiers pages through the remote's ListIdentifiers and rebuilds
// the header cache the other methods answer from. A remote with nothing
// to list answers noRecordsMatch; that is an empty repository, not a
// failure. Deleted headers stay in the listing so their tombstones are
// mirrored rather than purged.
func (p *Provider) Identifiers(ctx context.Context) ([]string, error) {
	headers := map[string]headerEntry{}
	var identifiers []string

	params := url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {p.prefix}}
	for {
		env, err := p.fetch(ctx, params)
		if err != nil {
			return nil, err
		}
		if env.Error != nil {
			if env.Error.Code == string(oai.CodeNoRecordsMatch) {
				break
			}
			return nil, remoteError("ListIdentifiers", env.Error)
		}
		if env.ListIdentifiers == nil {
			return nil, fmt.Errorf("ListIdentifiers: remote answered without a result element")
		}
		for _, h := range env.ListIdentifiers.Headers {
			datestamp, _, err := oai.ParseDatestamp(h.Datestamp)
			if err != nil {
				return nil, fmt.Errorf("header %q: %w", h.Identifier, err)
			}
			if _, seen := headers[h.Identifier]; !seen {
				identifiers = append(identifiers, h.Identifier)
			}
			headers[h.Identifier] = headerEntry{datestamp: datestamp, sets: h.SetSpecs}
		}
		token := strings.TrimSpace(env.ListIdentifiers.ResumptionToken)
		if token == "" {
			break
		}
		params = url.Values{"verb": {"ListIdentifiers"}, "resumptionToken": {token}}
	}

	p.mu.Lock()
	p.headers = headers
	p.setNames = nil
	p.mu.Unlock()
	return identifiers, nil
}

// HasChanged reports whether the item's remote datestamp is newer than
// since. Items missing from the header cache count as changed so they
// are re-fetched rather than silently skipped.
func (p *Provider) HasChanged(_ context.Context, identifier string, since time.Time) (bool, error) {
	p.mu.Lock()
	entry, ok := p.headers[identifier]
	p.mu.Unlock()
	if !ok {
		return true, nil
	}
	return entry.datestamp.After(since), nil
}

// GetRecord fetches the item's payload in the given format. A deleted
// header reports ok false, and so do idDoesNotExist and
// cannotDisseminateFormat: the remote is saying the pair has no
// dissemination, which mirrors over as a tombstone. Any other protocol
// error is a failed dissemination.
func (p *Provider) GetRecord(ctx context.Context, identifier, prefix string) (string, bool, error) {
	env, err := p.fetch(ctx, url.Values{
		"verb":           {"GetRecord"},
		"identifier":     {identifier},
		"metadataPrefix": {prefix},
	})
	if err != nil {
		return "", false, err
	}
	if env.Error != nil {
		switch env.Error.Code {
		case string(oai.CodeIDDoesNotExist), string(oai.CodeCannotDisseminateFormat):
			return "", false, nil
		}
		return "", false, remoteError("GetRecord", env.Error)
	}
	if env.GetRecord == nil {
		return "", false, fmt.Errorf("GetRecord: remote answered without a result element")
	}
	record := env.GetRecord.Record
	if record.Header.Status == statusDeleted {
		return "", false, nil
	}
	return strings.TrimSpace(record.Metadata.Inner), true, nil
}

// GetSets returns the item's set memberships from the header cache,
// resolving spec names through the remote's set hierarchy. A spec the
// hierarchy does not name falls back to its last segment.
func (p *Provider) GetSets(ctx context.Context, identifier string) ([]harvest.SetSpec, error) {
	names, err := p.resolveSetNames(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	entry, ok := p.headers[identifier]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown item %q", identifier)
	}
	sets := make([]harvest.SetSpec, 0, len(entry.sets))
	for _, spec := range entry.sets {
		name := names[spec]
		if name == "" {
			name = storage.LastSegment(spec)
		}
		sets = append(sets, harvest.SetSpec{Spec: spec, Name: name})
	}
	return sets, nil
}

// resolveSetNames pages through the remote's ListSets once per harvest
// run and memoizes the spec-to-name mapping. A remote without a set
// hierarchy yields an empty mapping, leaving every name to fall back.
func (p *Provider) resolveSetNames(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	if p.setNames != nil {
		defer p.mu.Unlock()
		return p.setNames, nil
	}
	p.mu.Unlock()

	names := map[string]string{}
	params := url.Values{"verb": {"ListSets"}}
	for {
		env, err := p.fetch(ctx, params)
		if err != nil {
			return nil, err
		}
		if env.Error != nil {
			if env.Error.Code == string(oai.CodeNoSetHierarchy) {
				break
			}
			return nil, remoteError("ListSets", env.Error)
		}
		if env.ListSets == nil {
			return nil, fmt.Errorf("ListSets: remote answered without a result element")
		}
		for _, set := range env.ListSets.Sets {
			names[set.Spec] = set.Name
		}
		token := strings.TrimSpace(env.ListSets.ResumptionToken)
		if token == "" {
			break
		}
		params = url.Values{"verb": {"ListSets"}, "resumptionToken": {token}}
	}

	p.mu.Lock()
	p.setNames = names
	p.mu.Unlock()
	return names, nil
}

// fetch runs one protocol request against the remote and decodes the
// response envelope. Protocol errors ride inside a 200 response, so
// they are the caller's to interpret; any other status is a transport
// failure.
func (p *Provider) fetch(ctx context.Context, params url.Values) (*envelopeElement, error) {
	verb := params.Get("verb")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", verb, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", verb, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: remote answered %s", verb, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", verb, err)
	}
	var env envelopeElement
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", verb, err)
	}
	return &env, nil
}

func remoteError(verb string, e *errorElement) error {
	return fmt.Errorf("%s: remote answered %s: %s", verb, e.Code, strings.TrimSpace(e.Message))
}

// The slice of the protocol envelope the harvester reads. Field tags
// match local names only, so the remote's namespace prefixes do not
// matter.
type envelopeElement struct {
	XMLName             xml.Name                `xml:"OAI-PMH"`
	Error               *errorElement           `xml:"error"`
	ListMetadataFormats *listFormatsElement     `xml:"ListMetadataFormats"`
	ListIdentifiers     *listIdentifiersElement `xml:"ListIdentifiers"`
	GetRecord           *getRecordElement       `xml:"GetRecord"`
	ListSets            *listSetsElement        `xml:"ListSets"`
}

type errorElement struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type listFormatsElement struct {
	Formats []formatElement `xml:"metadataFormat"`
}

type formatElement struct {
	Prefix    string `xml:"metadataPrefix"`
	Schema    string `xml:"schema"`
	Namespace string `xml:"metadataNamespace"`
}

type listIdentifiersElement struct {
	Headers         []headerElement `xml:"header"`
	ResumptionToken string          `xml:"resumptionToken"`
}

type headerElement struct {
	Status     string   `xml:"status,attr"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type getRecordElement struct {
	Record recordElement `xml:"record"`
}

type recordElement struct {
	Header   headerElement   `xml:"header"`
	Metadata metadataElement `xml:"metadata"`
}

type metadataElement struct {
	Inner string `xml:",innerxml"`
}

type listSetsElement struct {
	Sets            []setElement `xml:"set"`
	ResumptionToken string       `xml:"resumptionToken"`
}

type setElement struct {
	Spec string `xml:"setSpec"`
	Name string `xml:"setName"`
}
