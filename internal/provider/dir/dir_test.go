package dir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/aryla/kuha/internal/harvest"
)

type DirSuite struct {
	suite.Suite
	ctx  context.Context
	root string
}

func (s *DirSuite) SetupTest() {
	s.ctx = context.Background()
	s.root = s.T().TempDir()
	s.Require().NoError(os.Mkdir(filepath.Join(s.root, "items"), 0o755))
}

func TestDirSuite(t *testing.T) {
	suite.Run(t, new(DirSuite))
}

func (s *DirSuite) write(name, content string) string {
	path := filepath.Join(s.root, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *DirSuite) open() *Provider {
	provider, err := New(s.root)
	s.Require().NoError(err)
	return provider
}

// TestNew verifies the source directory checks.
func (s *DirSuite) TestNew() {
	s.Run("missing directory", func() {
		_, err := New(filepath.Join(s.root, "nope"))
		s.Require().Error(err)
	})

	s.Run("plain file", func() {
		path := s.write("flat", "not a directory")
		_, err := New(path)
		s.Require().Error(err)
	})
}

// TestFormats verifies formats.json decoding.
func (s *DirSuite) TestFormats() {
	s.Run("decodes the format table", func() {
		s.write("formats.json", `{
			"oai_dc": {"namespace": "http://www.openarchives.org/OAI/2.0/oai_dc/", "schema": "http://www.openarchives.org/OAI/2.0/oai_dc.xsd"},
			"ead": {"namespace": "urn:isbn:1-931666-22-9", "schema": "http://www.loc.gov/ead/ead.xsd"}
		}`)

		formats, err := s.open().Formats(s.ctx)

		s.Require().NoError(err)
		s.Len(formats, 2)
		s.Equal("urn:isbn:1-931666-22-9", formats["ead"].Namespace)
		s.Equal("http://www.openarchives.org/OAI/2.0/oai_dc.xsd", formats["oai_dc"].Schema)
	})

	s.Run("missing file", func() {
		provider, err := New(s.T().TempDir())
		s.Require().NoError(err)
		_, err = provider.Formats(s.ctx)
		s.Require().Error(err)
	})

	s.Run("corrupt file", func() {
		s.write("formats.json", "{ not json")
		_, err := s.open().Formats(s.ctx)
		s.Require().ErrorContains(err, "formats.json")
	})
}

// TestIdentifiers verifies directory listing and index building.
func (s *DirSuite) TestIdentifiers() {
	s.Run("lists json documents only", func() {
		s.write("items/a.json", `{"identifier": "oai:a"}`)
		s.write("items/b.json", `{"identifier": "oai:b"}`)
		s.write("items/readme.txt", "ignore me")
		s.Require().NoError(os.Mkdir(filepath.Join(s.root, "items", "nested"), 0o755))

		identifiers, err := s.open().Identifiers(s.ctx)

		s.Require().NoError(err)
		s.ElementsMatch([]string{"oai:a", "oai:b"}, identifiers)
	})

	s.Run("corrupt document names the file", func() {
		s.write("items/broken.json", "{")
		_, err := s.open().Identifiers(s.ctx)
		s.Require().ErrorContains(err, "broken.json")
	})

	s.Run("document without an identifier", func() {
		s.Require().NoError(os.Remove(filepath.Join(s.root, "items", "broken.json")))
		s.write("items/anon.json", `{"records": {}}`)
		_, err := s.open().Identifiers(s.ctx)
		s.Require().ErrorContains(err, "anon.json")
	})

	s.Run("duplicate identifiers are ambiguous", func() {
		s.Require().NoError(os.Remove(filepath.Join(s.root, "items", "anon.json")))
		s.write("items/c.json", `{"identifier": "oai:a"}`)
		_, err := s.open().Identifiers(s.ctx)
		s.Require().ErrorContains(err, `"oai:a"`)
	})
}

// TestHasChanged verifies modification time comparison against the
// indexed snapshot.
func (s *DirSuite) TestHasChanged() {
	path := s.write("items/a.json", `{"identifier": "oai:a"}`)
	stamp := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(os.Chtimes(path, stamp, stamp))

	provider := s.open()
	_, err := provider.Identifiers(s.ctx)
	s.Require().NoError(err)

	s.Run("modified after since", func() {
		changed, err := provider.HasChanged(s.ctx, "oai:a", stamp.Add(-time.Hour))
		s.Require().NoError(err)
		s.True(changed)
	})

	s.Run("untouched since", func() {
		changed, err := provider.HasChanged(s.ctx, "oai:a", stamp.Add(time.Hour))
		s.Require().NoError(err)
		s.False(changed)
	})

	s.Run("unindexed items count as changed", func() {
		changed, err := provider.HasChanged(s.ctx, "oai:ghost", stamp.Add(time.Hour))
		s.Require().NoError(err)
		s.True(changed)
	})
}

// TestGetRecord verifies payload, tombstone and failure answers.
func (s *DirSuite) TestGetRecord() {
	s.write("items/a.json", `{
		"identifier": "oai:a",
		"records": {
			"oai_dc": "<oai_dc:dc>alpha</oai_dc:dc>",
			"ead": null
		}
	}`)
	s.write("items/b.json", `{"identifier": "oai:b"}`)
	provider := s.open()
	_, err := provider.Identifiers(s.ctx)
	s.Require().NoError(err)

	s.Run("serves a payload", func() {
		payload, ok, err := provider.GetRecord(s.ctx, "oai:a", "oai_dc")
		s.Require().NoError(err)
		s.True(ok)
		s.Equal("<oai_dc:dc>alpha</oai_dc:dc>", payload)
	})

	s.Run("null payload is a tombstone", func() {
		_, ok, err := provider.GetRecord(s.ctx, "oai:a", "ead")
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("missing prefix is a tombstone", func() {
		_, ok, err := provider.GetRecord(s.ctx, "oai:a", "marc")
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("unknown item", func() {
		_, _, err := provider.GetRecord(s.ctx, "oai:ghost", "oai_dc")
		s.Require().ErrorContains(err, `"oai:ghost"`)
	})

	s.Run("document rewritten under another identifier", func() {
		s.write("items/b.json", `{"identifier": "oai:other"}`)
		_, _, err := provider.GetRecord(s.ctx, "oai:b", "oai_dc")
		s.Require().ErrorContains(err, `"oai:b"`)
	})
}

// TestGetSets verifies membership decoding and name defaulting.
func (s *DirSuite) TestGetSets() {
	s.write("items/a.json", `{
		"identifier": "oai:a",
		"sets": [
			{"spec": "study:survey", "name": "Survey studies"},
			{"spec": "study:census"}
		]
	}`)
	provider := s.open()
	_, err := provider.Identifiers(s.ctx)
	s.Require().NoError(err)

	sets, err := provider.GetSets(s.ctx, "oai:a")

	s.Require().NoError(err)
	s.Equal([]harvest.SetSpec{
		{Spec: "study:survey", Name: "Survey studies"},
		{Spec: "study:census", Name: "census"},
	}, sets)
}
