package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/aryla/kuha/internal/harvest"
)

// UpstreamSuite drives the provider against a fake remote that answers
// canned envelopes. Responses are keyed by the canonical query string,
// so a request with the wrong shape misses the table and fails loudly.
type UpstreamSuite struct {
	suite.Suite
	ctx       context.Context
	server    *httptest.Server
	responses map[string]string
	calls     map[string]int
}

func (s *UpstreamSuite) SetupTest() {
	s.ctx = context.Background()
	s.responses = map[string]string{}
	s.calls = map[string]int{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Encode()
		s.calls[query]++
		body, ok := s.responses[query]
		if !ok {
			http.Error(w, "unexpected query "+query, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(body))
	}))
}

func (s *UpstreamSuite) TearDownTest() {
	s.server.Close()
}

func TestUpstreamSuite(t *testing.T) {
	suite.Run(t, new(UpstreamSuite))
}

// stub registers the envelope the fake remote answers for params.
func (s *UpstreamSuite) stub(params url.Values, body string) {
	s.responses[params.Encode()] = body
}

func (s *UpstreamSuite) open() *Provider {
	provider, err := New(s.server.URL, "oai_dc")
	s.Require().NoError(err)
	return provider
}

const envelopeOpen = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
<responseDate>2024-03-01T12:00:00Z</responseDate>`

// TestNew verifies the source URL checks.
func (s *UpstreamSuite) TestNew() {
	s.Run("accepts an http endpoint", func() {
		_, err := New(s.server.URL, "oai_dc")
		s.Require().NoError(err)
	})

	s.Run("rejects other schemes", func() {
		_, err := New("ftp://example.org/oai", "oai_dc")
		s.Require().ErrorContains(err, "http(s)")
	})

	s.Run("rejects an empty paging prefix", func() {
		_, err := New(s.server.URL, "")
		s.Require().ErrorContains(err, "metadata prefix")
	})
}

// TestFormats verifies ListMetadataFormats decoding.
func (s *UpstreamSuite) TestFormats() {
	s.Run("decodes the format table", func() {
		s.stub(url.Values{"verb": {"ListMetadataFormats"}}, envelopeOpen+`
<ListMetadataFormats>
<metadataFormat>
<metadataPrefix>oai_dc</metadataPrefix>
<schema>http://www.openarchives.org/OAI/2.0/oai_dc.xsd</schema>
<metadataNamespace>http://www.openarchives.org/OAI/2.0/oai_dc/</metadataNamespace>
</metadataFormat>
<metadataFormat>
<metadataPrefix>ead</metadataPrefix>
<schema>http://www.loc.gov/ead/ead.xsd</schema>
<metadataNamespace>urn:isbn:1-931666-22-9</metadataNamespace>
</metadataFormat>
</ListMetadataFormats>
</OAI-PMH>`)

		formats, err := s.open().Formats(s.ctx)

		s.Require().NoError(err)
		s.Len(formats, 2)
		s.Equal("urn:isbn:1-931666-22-9", formats["ead"].Namespace)
		s.Equal("http://www.openarchives.org/OAI/2.0/oai_dc.xsd", formats["oai_dc"].Schema)
	})

	s.Run("protocol error", func() {
		s.stub(url.Values{"verb": {"ListMetadataFormats"}}, envelopeOpen+`
<error code="badVerb">what is ListMetadataFormats</error>
</OAI-PMH>`)

		_, err := s.open().Formats(s.ctx)
		s.Require().ErrorContains(err, "badVerb")
	})

	s.Run("envelope without a result element", func() {
		s.stub(url.Values{"verb": {"ListMetadataFormats"}}, envelopeOpen+`
</OAI-PMH>`)

		_, err := s.open().Formats(s.ctx)
		s.Require().ErrorContains(err, "without a result")
	})
}

// TestIdentifiers verifies resumption token paging and header caching.
func (s *UpstreamSuite) TestIdentifiers() {
	s.Run("follows resumption tokens", func() {
		s.stub(url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}}, envelopeOpen+`
<ListIdentifiers>
<header><identifier>oai:a</identifier><datestamp>2024-02-01T08:00:00Z</datestamp><setSpec>study:survey</setSpec></header>
<header><identifier>oai:b</identifier><datestamp>2024-02-02</datestamp></header>
<resumptionToken cursor="0" completeListSize="3">page-2</resumptionToken>
</ListIdentifiers>
</OAI-PMH>`)
		s.stub(url.Values{"verb": {"ListIdentifiers"}, "resumptionToken": {"page-2"}}, envelopeOpen+`
<ListIdentifiers>
<header status="deleted"><identifier>oai:c</identifier><datestamp>2024-02-03T09:30:00Z</datestamp></header>
<resumptionToken/>
</ListIdentifiers>
</OAI-PMH>`)

		identifiers, err := s.open().Identifiers(s.ctx)

		s.Require().NoError(err)
		s.Equal([]string{"oai:a", "oai:b", "oai:c"}, identifiers)
	})

	s.Run("empty remote is not a failure", func() {
		s.stub(url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}}, envelopeOpen+`
<error code="noRecordsMatch">No matching records found.</error>
</OAI-PMH>`)

		identifiers, err := s.open().Identifiers(s.ctx)

		s.Require().NoError(err)
		s.Empty(identifiers)
	})

	s.Run("other protocol errors fail the listing", func() {
		s.stub(url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}}, envelopeOpen+`
<error code="badArgument">metadataPrefix wrong</error>
</OAI-PMH>`)

		_, err := s.open().Identifiers(s.ctx)
		s.Require().ErrorContains(err, "badArgument")
	})

	s.Run("unparseable datestamp names the header", func() {
		s.stub(url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}}, envelopeOpen+`
<ListIdentifiers>
<header><identifier>oai:a</identifier><datestamp>last tuesday</datestamp></header>
</ListIdentifiers>
</OAI-PMH>`)

		_, err := s.open().Identifiers(s.ctx)
		s.Require().ErrorContains(err, `"oai:a"`)
	})
}

// TestHasChanged verifies datestamp comparison against the cached
// headers.
func (s *UpstreamSuite) TestHasChanged() {
	s.stub(url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}}, envelopeOpen+`
<ListIdentifiers>
<header><identifier>oai:a</identifier><datestamp>2024-02-01T08:00:00Z</datestamp></header>
</ListIdentifiers>
</OAI-PMH>`)
	provider := s.open()
	_, err := provider.Identifiers(s.ctx)
	s.Require().NoError(err)
	stamp := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	s.Run("stamped after since", func() {
		changed, err := provider.HasChanged(s.ctx, "oai:a", stamp.Add(-time.Hour))
		s.Require().NoError(err)
		s.True(changed)
	})

	s.Run("untouched since", func() {
		changed, err := provider.HasChanged(s.ctx, "oai:a", stamp)
		s.Require().NoError(err)
		s.False(changed)
	})

	s.Run("uncached items count as changed", func() {
		changed, err := provider.HasChanged(s.ctx, "oai:ghost", stamp)
		s.Require().NoError(err)
		s.True(changed)
	})
}

// TestGetRecord verifies payload, tombstone and failure answers.
func (s *UpstreamSuite) TestGetRecord() {
	record := func(identifier, prefix string) url.Values {
		return url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {identifier},
			"metadataPrefix": {prefix},
		}
	}
	provider := s.open()

	s.Run("serves the metadata payload verbatim", func() {
		s.stub(record("oai:a", "oai_dc"), envelopeOpen+`
<GetRecord>
<record>
<header><identifier>oai:a</identifier><datestamp>2024-02-01T08:00:00Z</datestamp></header>
<metadata>
<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"><dc:title xmlns:dc="http://purl.org/dc/elements/1.1/">alpha</dc:title></oai_dc:dc>
</metadata>
</record>
</GetRecord>
</OAI-PMH>`)

		payload, ok, err := provider.GetRecord(s.ctx, "oai:a", "oai_dc")

		s.Require().NoError(err)
		s.True(ok)
		s.Equal(`<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"><dc:title xmlns:dc="http://purl.org/dc/elements/1.1/">alpha</dc:title></oai_dc:dc>`, payload)
	})

	s.Run("deleted header is a tombstone", func() {
		s.stub(record("oai:gone", "oai_dc"), envelopeOpen+`
<GetRecord>
<record>
<header status="deleted"><identifier>oai:gone</identifier><datestamp>2024-02-01T08:00:00Z</datestamp></header>
</record>
</GetRecord>
</OAI-PMH>`)

		_, ok, err := provider.GetRecord(s.ctx, "oai:gone", "oai_dc")

		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("idDoesNotExist is a tombstone", func() {
		s.stub(record("oai:ghost", "oai_dc"), envelopeOpen+`
<error code="idDoesNotExist">Identifier "oai:ghost" does not exist.</error>
</OAI-PMH>`)

		_, ok, err := provider.GetRecord(s.ctx, "oai:ghost", "oai_dc")

		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("cannotDisseminateFormat is a tombstone", func() {
		s.stub(record("oai:a", "marc"), envelopeOpen+`
<error code="cannotDisseminateFormat">Metadata format "marc" is not available for item "oai:a".</error>
</OAI-PMH>`)

		_, ok, err := provider.GetRecord(s.ctx, "oai:a", "marc")

		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("other protocol errors fail the dissemination", func() {
		s.stub(record("oai:a", "ead"), envelopeOpen+`
<error code="badArgument">no</error>
</OAI-PMH>`)

		_, _, err := provider.GetRecord(s.ctx, "oai:a", "ead")
		s.Require().ErrorContains(err, "badArgument")
	})

	s.Run("transport failures fail the dissemination", func() {
		_, _, err := provider.GetRecord(s.ctx, "oai:unstubbed", "oai_dc")
		s.Require().ErrorContains(err, "500")
	})
}

// TestGetSets verifies membership resolution through the remote's set
// hierarchy.
func (s *UpstreamSuite) TestGetSets() {
	s.stub(url.Values{"verb": {"ListIdentifiers"}, "metadataPrefix": {"oai_dc"}}, envelopeOpen+`
<ListIdentifiers>
<header><identifier>oai:a</identifier><datestamp>2024-02-01T08:00:00Z</datestamp><setSpec>study:survey</setSpec><setSpec>study:census</setSpec></header>
</ListIdentifiers>
</OAI-PMH>`)

	s.Run("resolves names and pages the hierarchy once", func() {
		s.stub(url.Values{"verb": {"ListSets"}}, envelopeOpen+`
<ListSets>
<set><setSpec>study</setSpec><setName>Studies</setName></set>
<resumptionToken>sets-2</resumptionToken>
</ListSets>
</OAI-PMH>`)
		s.stub(url.Values{"verb": {"ListSets"}, "resumptionToken": {"sets-2"}}, envelopeOpen+`
<ListSets>
<set><setSpec>study:survey</setSpec><setName>Survey studies</setName></set>
</ListSets>
</OAI-PMH>`)
		provider := s.open()
		_, err := provider.Identifiers(s.ctx)
		s.Require().NoError(err)

		sets, err := provider.GetSets(s.ctx, "oai:a")
		s.Require().NoError(err)
		s.Equal([]harvest.SetSpec{
			{Spec: "study:survey", Name: "Survey studies"},
			{Spec: "study:census", Name: "census"},
		}, sets)

		_, err = provider.GetSets(s.ctx, "oai:a")
		s.Require().NoError(err)
		s.Equal(1, s.calls[url.Values{"verb": {"ListSets"}}.Encode()])
	})

	s.Run("remote without a hierarchy falls back to spec segments", func() {
		s.stub(url.Values{"verb": {"ListSets"}}, envelopeOpen+`
<error code="noSetHierarchy">This repository does not support sets.</error>
</OAI-PMH>`)
		provider := s.open()
		_, err := provider.Identifiers(s.ctx)
		s.Require().NoError(err)

		sets, err := provider.GetSets(s.ctx, "oai:a")

		s.Require().NoError(err)
		s.Equal([]harvest.SetSpec{
			{Spec: "study:survey", Name: "survey"},
			{Spec: "study:census", Name: "census"},
		}, sets)
	})

	s.Run("uncached item", func() {
		s.stub(url.Values{"verb": {"ListSets"}}, envelopeOpen+`
<error code="noSetHierarchy">This repository does not support sets.</error>
</OAI-PMH>`)
		provider := s.open()
		_, err := provider.Identifiers(s.ctx)
		s.Require().NoError(err)

		_, err = provider.GetSets(s.ctx, "oai:ghost")
		s.Require().ErrorContains(err, `"oai:ghost"`)
	})
}
