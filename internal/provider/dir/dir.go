// Package dir serves harvestable metadata out of a directory of JSON
// documents. The directory holds a formats.json file describing the
// repository's metadata formats and an items/ subdirectory with one
// document per item:
//
//	{
//	  "identifier": "oai:example.org:1",
//	  "sets": [{"spec": "study:survey", "name": "Survey studies"}],
//	  "records": {"oai_dc": "<oai_dc:dc>...</oai_dc:dc>", "ead": null}
//	}
//
// A null record payload is a tombstone and a missing prefix means the
// item has no dissemination in that format; the harvester marks both
// deleted. Change detection compares the document's modification time
// against the previous harvest.
package dir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aryla/kuha/internal/harvest"
	"github.com/aryla/kuha/internal/storage"
)

const (
	formatsFile  = "formats.json"
	itemsDirName = "items"
)

type formatDoc struct {
	Namespace string `json:"namespace"`
	Schema    string `json:"schema"`
}

type setDoc struct {
	Spec string `json:"spec"`
	Name string `json:"name"`
}

type itemDoc struct {
	Identifier string             `json:"identifier"`
	Sets       []setDoc           `json:"sets"`
	Records    map[string]*string `json:"records"`
}

type indexEntry struct {
	path    string
	modTime time.Time
}

// Provider reads metadata from a source directory. Identifiers indexes
// the item documents; the other methods answer from that index, so a
// harvest run sees one consistent snapshot of the directory listing.
type Provider struct {
	root string

	mu     sync.Mutex
	index  map[string]indexEntry
	memo   *itemDoc
	memoID string
}

var _ harvest.Provider = (*Provider)(nil)

// New opens the source directory rooted at root.
func New(root string) (*Provider, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %q is not a directory", root)
	}
	return &Provider{root: root, index: map[string]indexEntry{}}, nil
}

// Formats reads the repository's metadata formats from formats.json.
func (p *Provider) Formats(_ context.Context) (map[string]harvest.FormatSpec, error) {
	raw, err := os.ReadFile(filepath.Join(p.root, formatsFile))
	if err != nil {
		return nil, fmt.Errorf("read formats: %w", err)
	}
	var docs map[string]formatDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", formatsFile, err)
	}
	formats := make(map[string]harvest.FormatSpec, len(docs))
	for prefix, doc := range docs {
		formats[prefix] = harvest.FormatSpec{Namespace: doc.Namespace, Schema: doc.Schema}
	}
	return formats, nil
}

// Identifiers lists every item document under items/ and rebuilds the
// index the other methods answer from. Two documents declaring the same
// identifier make the source ambiguous and fail the listing.
func (p *Provider) Identifiers(_ context.Context) ([]string, error) {
	dir := filepath.Join(p.root, itemsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}

	index := make(map[string]indexEntry, len(entries))
	identifiers := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := readItemDoc(path)
		if err != nil {
			return nil, err
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if previous, ok := index[doc.Identifier]; ok {
			return nil, fmt.Errorf("item %q is declared by both %s and %s", doc.Identifier, previous.path, path)
		}
		index[doc.Identifier] = indexEntry{path: path, modTime: info.ModTime()}
		identifiers = append(identifiers, doc.Identifier)
	}

	p.mu.Lock()
	p.index = index
	p.memo = nil
	p.memoID = ""
	p.mu.Unlock()
	return identifiers, nil
}

// HasChanged reports whether the item's document was modified after
// since. Items missing from the index count as changed so they are
// re-fetched rather than silently skipped.
func (p *Provider) HasChanged(_ context.Context, identifier string, since time.Time) (bool, error) {
	p.mu.Lock()
	entry, ok := p.index[identifier]
	p.mu.Unlock()
	if !ok {
		return true, nil
	}
	return entry.modTime.After(since), nil
}

// GetRecord returns the item's payload in the given format. A null or
// missing payload reports ok false.
func (p *Provider) GetRecord(_ context.Context, identifier, prefix string) (string, bool, error) {
	doc, err := p.load(identifier)
	if err != nil {
		return "", false, err
	}
	payload, ok := doc.Records[prefix]
	if !ok || payload == nil {
		return "", false, nil
	}
	return *payload, true, nil
}

// GetSets returns the item's set memberships. A membership without a
// name falls back to the spec's last segment.
func (p *Provider) GetSets(_ context.Context, identifier string) ([]harvest.SetSpec, error) {
	doc, err := p.load(identifier)
	if err != nil {
		return nil, err
	}
	sets := make([]harvest.SetSpec, 0, len(doc.Sets))
	for _, set := range doc.Sets {
		name := set.Name
		if name == "" {
			name = storage.LastSegment(set.Spec)
		}
		sets = append(sets, harvest.SetSpec{Spec: set.Spec, Name: name})
	}
	return sets, nil
}

// load reads the item's document through a one-entry memo, so the
// per-format GetRecord calls of one item parse its file once.
func (p *Provider) load(identifier string) (*itemDoc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.memo != nil && p.memoID == identifier {
		return p.memo, nil
	}
	entry, ok := p.index[identifier]
	if !ok {
		return nil, fmt.Errorf("unknown item %q", identifier)
	}
	doc, err := readItemDoc(entry.path)
	if err != nil {
		return nil, err
	}
	if doc.Identifier != identifier {
		return nil, fmt.Errorf("%s no longer describes item %q", entry.path, identifier)
	}
	p.memo = doc
	p.memoID = identifier
	return doc, nil
}

func readItemDoc(path string) (*itemDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc itemDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Identifier == "" {
		return nil, fmt.Errorf("%s does not name an identifier", path)
	}
	return &doc, nil
}
