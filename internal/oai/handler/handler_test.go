package handler

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"github.com/aryla/kuha/internal/oai"
	"github.com/aryla/kuha/internal/storage"
	"github.com/aryla/kuha/internal/storage/memory"
	"github.com/aryla/kuha/pkg/requestcontext"
)

const baseURL = "http://repo.example.org/oai"

// testEnvelope decodes the response parts the tests assert on.
type testEnvelope struct {
	ResponseDate string `xml:"responseDate"`
	Request      struct {
		BaseURL        string `xml:",chardata"`
		Verb           string `xml:"verb,attr"`
		MetadataPrefix string `xml:"metadataPrefix,attr"`
	} `xml:"request"`
	Error *struct {
		Code    string `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"error"`
	Identify *struct {
		RepositoryName    string   `xml:"repositoryName"`
		BaseURL           string   `xml:"baseURL"`
		ProtocolVersion   string   `xml:"protocolVersion"`
		AdminEmails       []string `xml:"adminEmail"`
		EarliestDatestamp string   `xml:"earliestDatestamp"`
		DeletedRecord     string   `xml:"deletedRecord"`
		Granularity       string   `xml:"granularity"`
	} `xml:"Identify"`
	ListSets *struct {
		Sets []struct {
			Spec string `xml:"setSpec"`
			Name string `xml:"setName"`
		} `xml:"set"`
	} `xml:"ListSets"`
	ListMetadataFormats *struct {
		Formats []struct {
			Prefix    string `xml:"metadataPrefix"`
			Schema    string `xml:"schema"`
			Namespace string `xml:"metadataNamespace"`
		} `xml:"metadataFormat"`
	} `xml:"ListMetadataFormats"`
	ListIdentifiers *struct {
		Headers []testHeader `xml:"header"`
		Token   *string      `xml:"resumptionToken"`
	} `xml:"ListIdentifiers"`
	ListRecords *struct {
		Records []testRecord `xml:"record"`
		Token   *string      `xml:"resumptionToken"`
	} `xml:"ListRecords"`
	GetRecord *struct {
		Record testRecord `xml:"record"`
	} `xml:"GetRecord"`
}

type testHeader struct {
	Status     string   `xml:"status,attr"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type testRecord struct {
	Header   testHeader `xml:"header"`
	Metadata *struct {
		Inner string `xml:",innerxml"`
	} `xml:"metadata"`
}

type HandlerSuite struct {
	suite.Suite
	router      http.Handler
	store       *memory.Store
	clock       time.Time
	requestTime time.Time
}

func (s *HandlerSuite) SetupTest() {
	s.clock = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.requestTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = memory.New(memory.WithClock(func() time.Time { return s.clock }))

	repo := oai.New(s.store, oai.Settings{
		RepositoryName: "Test repository",
		AdminEmails:    []string{"admin@example.org"},
		DeletedRecords: oai.PolicyPersistent,
		Descriptions:   []string{`<custom xmlns="urn:test">desc</custom>`},
		ListLimit:      2,
	})

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := New(repo, baseURL, WithLogger(logger))

	r := chi.NewRouter()
	r.Use(s.fixedTime)
	h.Register(r)
	s.router = r
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

// fixedTime pins the request time so response dates are deterministic.
func (s *HandlerSuite) fixedTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), s.requestTime)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// get performs a GET request with the given arguments and decodes the
// response.
func (s *HandlerSuite) get(values url.Values) (*httptest.ResponseRecorder, *testEnvelope) {
	s.T().Helper()

	req := httptest.NewRequest(http.MethodGet, "/oai?"+values.Encode(), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		return rec, nil
	}
	var env testEnvelope
	s.Require().NoError(xml.Unmarshal(rec.Body.Bytes(), &env))
	return rec, &env
}

func (s *HandlerSuite) addRecord(identifier, prefix, payload string) {
	ctx := context.Background()
	s.Require().NoError(s.store.UpsertItem(ctx, identifier))
	s.Require().NoError(s.store.UpsertFormat(ctx, prefix, "ns:"+prefix, "http://example.org/"+prefix+".xsd"))
	s.Require().NoError(s.store.UpsertRecord(ctx, identifier, prefix, payload))
}

// TestIdentify verifies the Identify envelope end to end.
func (s *HandlerSuite) TestIdentify() {
	rec, env := s.get(url.Values{"verb": {"Identify"}})

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("text/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	s.True(strings.HasPrefix(rec.Body.String(), xml.Header))

	s.Equal("2024-03-01T12:00:00Z", env.ResponseDate)
	s.Equal("Identify", env.Request.Verb)
	s.Equal(baseURL, env.Request.BaseURL)

	s.Require().NotNil(env.Identify)
	s.Equal("Test repository", env.Identify.RepositoryName)
	s.Equal(baseURL, env.Identify.BaseURL)
	s.Equal("2.0", env.Identify.ProtocolVersion)
	s.Equal([]string{"admin@example.org"}, env.Identify.AdminEmails)
	s.Equal("2024-03-01T12:00:00Z", env.Identify.EarliestDatestamp)
	s.Equal("persistent", env.Identify.DeletedRecord)
	s.Equal("YYYY-MM-DDThh:mm:ssZ", env.Identify.Granularity)

	// The description fragment must pass through unescaped.
	s.Contains(rec.Body.String(), `<custom xmlns="urn:test">desc</custom>`)
}

// TestVerbDispatch verifies missing and unknown verbs.
func (s *HandlerSuite) TestVerbDispatch() {
	s.Run("missing verb", func() {
		rec, env := s.get(url.Values{})

		s.Equal(http.StatusOK, rec.Code)
		s.Require().NotNil(env.Error)
		s.Equal("badVerb", env.Error.Code)
		s.Equal("Missing verb", env.Error.Message)
		// Errors do not echo request attributes.
		s.Empty(env.Request.Verb)
	})

	s.Run("unknown verb", func() {
		_, env := s.get(url.Values{"verb": {"Enumerate"}})

		s.Require().NotNil(env.Error)
		s.Equal("badVerb", env.Error.Code)
		s.Equal("Invalid verb", env.Error.Message)
	})

	s.Run("empty verb value", func() {
		_, env := s.get(url.Values{"verb": {""}})

		s.Require().NotNil(env.Error)
		s.Equal("badVerb", env.Error.Code)
		s.Equal("Invalid verb", env.Error.Message)
	})
}

// TestListSets verifies set listing and the no-hierarchy error.
func (s *HandlerSuite) TestListSets() {
	s.Run("no sets", func() {
		_, env := s.get(url.Values{"verb": {"ListSets"}})

		s.Require().NotNil(env.Error)
		s.Equal("noSetHierarchy", env.Error.Code)
		s.Equal("This repository does not support sets.", env.Error.Message)
	})

	s.Run("sets in spec order", func() {
		ctx := context.Background()
		s.Require().NoError(s.store.UpsertSet(ctx, "b", "B"))
		s.Require().NoError(s.store.UpsertSet(ctx, "a", "A"))

		_, env := s.get(url.Values{"verb": {"ListSets"}})

		s.Require().NotNil(env.ListSets)
		s.Require().Len(env.ListSets.Sets, 2)
		s.Equal("a", env.ListSets.Sets[0].Spec)
		s.Equal("A", env.ListSets.Sets[0].Name)
		s.Equal("b", env.ListSets.Sets[1].Spec)
	})
}

// TestListMetadataFormats verifies format listing over HTTP.
func (s *HandlerSuite) TestListMetadataFormats() {
	s.addRecord("a", "oai_dc", "<dc/>")

	_, env := s.get(url.Values{"verb": {"ListMetadataFormats"}})

	s.Require().NotNil(env.ListMetadataFormats)
	s.Require().Len(env.ListMetadataFormats.Formats, 1)
	s.Equal("oai_dc", env.ListMetadataFormats.Formats[0].Prefix)
	s.Equal("ns:oai_dc", env.ListMetadataFormats.Formats[0].Namespace)
	s.Equal("http://example.org/oai_dc.xsd", env.ListMetadataFormats.Formats[0].Schema)
}

// TestGetRecord verifies record rendering, tombstones included.
func (s *HandlerSuite) TestGetRecord() {
	payload := `<dc xmlns="urn:dc"><title>Aineisto &amp; muuta</title></dc>`
	s.addRecord("a", "oai_dc", payload)

	s.Run("live record carries raw metadata", func() {
		rec, env := s.get(url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"a"},
			"metadataPrefix": {"oai_dc"},
		})

		s.Require().NotNil(env.GetRecord)
		record := env.GetRecord.Record
		s.Equal("a", record.Header.Identifier)
		s.Equal("2024-03-01T10:00:00Z", record.Header.Datestamp)
		s.Empty(record.Header.Status)
		s.Require().NotNil(record.Metadata)
		// The payload must be embedded verbatim, not re-escaped.
		s.Contains(rec.Body.String(), payload)
	})

	s.Run("tombstone has status and no metadata", func() {
		s.Require().NoError(s.store.MarkRecordDeleted(context.Background(), "a", "oai_dc"))

		_, env := s.get(url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"a"},
			"metadataPrefix": {"oai_dc"},
		})

		s.Require().NotNil(env.GetRecord)
		record := env.GetRecord.Record
		s.Equal("deleted", record.Header.Status)
		s.Nil(record.Metadata)
	})

	s.Run("unknown identifier is a protocol error", func() {
		_, env := s.get(url.Values{
			"verb":           {"GetRecord"},
			"identifier":     {"nope"},
			"metadataPrefix": {"oai_dc"},
		})

		s.Require().NotNil(env.Error)
		s.Equal("idDoesNotExist", env.Error.Code)
		s.Equal(`Identifier "nope" does not exist.`, env.Error.Message)
	})
}

// TestListPaging verifies the token element across a paged exchange.
func (s *HandlerSuite) TestListPaging() {
	for _, id := range []string{"r1", "r2", "r3"} {
		s.addRecord(id, "oai_dc", "<dc>"+id+"</dc>")
	}

	rec, env := s.get(url.Values{
		"verb":           {"ListRecords"},
		"metadataPrefix": {"oai_dc"},
	})
	s.Equal(http.StatusOK, rec.Code)
	s.Require().NotNil(env.ListRecords)
	s.Require().Len(env.ListRecords.Records, 2)
	s.Require().NotNil(env.ListRecords.Token)
	s.NotEmpty(*env.ListRecords.Token)
	s.Equal("oai_dc", env.Request.MetadataPrefix)

	_, env = s.get(url.Values{
		"verb":            {"ListRecords"},
		"resumptionToken": {*env.ListRecords.Token},
	})
	s.Require().NotNil(env.ListRecords)
	s.Require().Len(env.ListRecords.Records, 1)
	s.Equal("r3", env.ListRecords.Records[0].Header.Identifier)
	// The closing page carries an empty token element.
	s.Require().NotNil(env.ListRecords.Token)
	s.Empty(*env.ListRecords.Token)
}

// TestListIdentifiers verifies the headers-only variant.
func (s *HandlerSuite) TestListIdentifiers() {
	s.addRecord("a", "oai_dc", "<dc/>")
	ctx := context.Background()
	s.Require().NoError(s.store.UpsertSet(ctx, "x:y", "Y"))
	s.Require().NoError(s.store.AddItemToSet(ctx, "a", "x:y"))

	rec, env := s.get(url.Values{
		"verb":           {"ListIdentifiers"},
		"metadataPrefix": {"oai_dc"},
	})

	s.Require().NotNil(env.ListIdentifiers)
	s.Require().Len(env.ListIdentifiers.Headers, 1)
	s.Equal("a", env.ListIdentifiers.Headers[0].Identifier)
	s.Equal([]string{"x:y"}, env.ListIdentifiers.Headers[0].SetSpecs)
	s.Nil(env.ListIdentifiers.Token)
	s.NotContains(rec.Body.String(), "<metadata>")
}

// TestPostForm verifies that form-encoded POST requests are equivalent to
// GET.
func (s *HandlerSuite) TestPostForm() {
	form := url.Values{"verb": {"Identify"}}
	req := httptest.NewRequest(http.MethodPost, "/oai", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	s.Equal(http.StatusOK, rec.Code)
	var env testEnvelope
	s.Require().NoError(xml.Unmarshal(rec.Body.Bytes(), &env))
	s.NotNil(env.Identify)
}

// TestBadArgumentEnvelope verifies protocol errors render inside a 200
// response.
func (s *HandlerSuite) TestBadArgumentEnvelope() {
	rec, env := s.get(url.Values{
		"verb":  {"Identify"},
		"bogus": {"x"},
	})

	s.Equal(http.StatusOK, rec.Code)
	s.Require().NotNil(env.Error)
	s.Equal("badArgument", env.Error.Code)
	s.Equal(`Illegal argument: "bogus"`, env.Error.Message)
}

// failingRepository forces the internal fault path.
type failingRepository struct{}

var errBroken = errors.New("store unavailable")

func (failingRepository) Identify(context.Context, oai.Params) (*oai.IdentifyResult, error) {
	return nil, errBroken
}

func (failingRepository) ListSets(context.Context, oai.Params) ([]storage.Set, error) {
	return nil, errBroken
}

func (failingRepository) ListMetadataFormats(context.Context, oai.Params) ([]storage.Format, error) {
	return nil, errBroken
}

func (failingRepository) ListIdentifiers(context.Context, oai.Params) (*oai.RecordList, error) {
	return nil, errBroken
}

func (failingRepository) ListRecords(context.Context, oai.Params) (*oai.RecordList, error) {
	return nil, errBroken
}

func (failingRepository) GetRecord(context.Context, oai.Params) (*storage.Record, error) {
	return nil, errBroken
}

func TestInternalFaultAnswers500(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(failingRepository{}, baseURL, WithLogger(logger))
	r := chi.NewRouter()
	h.Register(r)

	req := httptest.NewRequest(http.MethodGet, "/oai?verb=Identify", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for an internal fault, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "store unavailable") {
		t.Fatalf("internal error details must not reach the client")
	}
}
