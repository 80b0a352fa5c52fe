// Package provider opens the harvest source a source URL names.
package provider

import (
	"fmt"
	"net/url"

	"github.com/aryla/kuha/internal/harvest"
	"github.com/aryla/kuha/internal/provider/dir"
	"github.com/aryla/kuha/internal/provider/upstream"
)

// New selects a provider by the source URL's scheme: http and https
// name a remote OAI-PMH repository, file URLs and plain paths name a
// source directory. pagingPrefix only applies to remote sources, which
// need a metadata prefix to page identifiers with.
func New(sourceURL, pagingPrefix string) (harvest.Provider, error) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("source URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return upstream.New(sourceURL, pagingPrefix)
	case "file":
		return dir.New(parsed.Path)
	case "":
		return dir.New(sourceURL)
	default:
		return nil, fmt.Errorf("source URL %q names an unsupported scheme %q", sourceURL, parsed.Scheme)
	}
}
