// Package handler serves the OAI-PMH protocol endpoint. It parses request
// arguments, dispatches verbs to the repository and renders responses as
// OAI-PMH XML. Protocol errors are part of a normal 200 response;
// anything else is an internal fault and answers 500.
package handler

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aryla/kuha/internal/oai"
	"github.com/aryla/kuha/internal/oai/metrics"
	"github.com/aryla/kuha/internal/storage"
	"github.com/aryla/kuha/pkg/requestcontext"
)

// Repository answers the protocol verbs. *oai.Repository implements it.
type Repository interface {
	Identify(ctx context.Context, params oai.Params) (*oai.IdentifyResult, error)
	ListSets(ctx context.Context, params oai.Params) ([]storage.Set, error)
	ListMetadataFormats(ctx context.Context, params oai.Params) ([]storage.Format, error)
	ListIdentifiers(ctx context.Context, params oai.Params) (*oai.RecordList, error)
	ListRecords(ctx context.Context, params oai.Params) (*oai.RecordList, error)
	GetRecord(ctx context.Context, params oai.Params) (*storage.Record, error)
}

// Handler is the HTTP face of the repository.
type Handler struct {
	repo    Repository
	baseURL string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics enables endpoint metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// New builds a Handler. baseURL is the repository's public endpoint URL,
// echoed in every response.
func New(repo Repository, baseURL string, opts ...Option) *Handler {
	h := &Handler{
		repo:    repo,
		baseURL: baseURL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the endpoint. The protocol requires both GET and
// form-encoded POST.
func (h *Handler) Register(r chi.Router) {
	r.Get("/oai", h.handleRequest)
	r.Post("/oai", h.handleRequest)
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	params := oai.ParamsFromQuery(r.Form)
	verb, _ := params.Get("verb")

	env := &envelope{
		XMLNS:          xmlnsOAI,
		XMLNSXSI:       xmlnsXSI,
		SchemaLocation: schemaLocation,
		ResponseDate:   oai.FormatDatestamp(requestcontext.Now(ctx)),
		Request:        requestElement{BaseURL: h.baseURL},
	}

	payload, err := h.dispatch(ctx, params)
	if err != nil {
		var oaiErr *oai.Error
		if !errors.As(err, &oaiErr) {
			h.logger.ErrorContext(ctx, "request failed",
				"error", err,
				"verb", verb,
				"request_id", requestcontext.RequestID(ctx),
			)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		env.Error = &errorElement{Code: string(oaiErr.Code), Message: oaiErr.Message}
		if h.metrics != nil {
			h.metrics.IncrementErrors(string(oaiErr.Code))
		}
	} else {
		env.Request = h.echoRequest(r)
		h.attach(env, payload)
	}

	h.writeXML(ctx, w, env)
	if h.metrics != nil {
		h.metrics.ObserveRequest(verbLabel(verb), time.Since(start))
	}
}

// dispatch routes the request to its verb. An absent verb and an unknown
// one are distinct protocol errors.
func (h *Handler) dispatch(ctx context.Context, params oai.Params) (any, error) {
	if !params.Has("verb") {
		return nil, oai.ErrMissingVerb
	}
	verb, _ := params.Get("verb")
	switch verb {
	case "Identify":
		res, err := h.repo.Identify(ctx, params)
		if err != nil {
			return nil, err
		}
		return newIdentifyElement(res, h.baseURL), nil
	case "ListSets":
		sets, err := h.repo.ListSets(ctx, params)
		if err != nil {
			return nil, err
		}
		return newListSetsElement(sets), nil
	case "ListMetadataFormats":
		formats, err := h.repo.ListMetadataFormats(ctx, params)
		if err != nil {
			return nil, err
		}
		return newListFormatsElement(formats), nil
	case "ListIdentifiers":
		list, err := h.repo.ListIdentifiers(ctx, params)
		if err != nil {
			return nil, err
		}
		return newListIdentifiersElement(list), nil
	case "ListRecords":
		list, err := h.repo.ListRecords(ctx, params)
		if err != nil {
			return nil, err
		}
		return newListRecordsElement(list), nil
	case "GetRecord":
		record, err := h.repo.GetRecord(ctx, params)
		if err != nil {
			return nil, err
		}
		return &getRecordElement{Record: newRecordElement(*record)}, nil
	default:
		return nil, oai.ErrInvalidVerb
	}
}

func (h *Handler) attach(env *envelope, payload any) {
	switch body := payload.(type) {
	case *identifyElement:
		env.Identify = body
	case *listSetsElement:
		env.ListSets = body
	case *listFormatsElement:
		env.ListMetadataFormats = body
	case *listIdentifiersElement:
		env.ListIdentifiers = body
	case *listRecordsElement:
		env.ListRecords = body
	case *getRecordElement:
		env.GetRecord = body
	}
}

// echoRequest reproduces the request's protocol arguments on the request
// element. Only successful responses echo them.
func (h *Handler) echoRequest(r *http.Request) requestElement {
	return requestElement{
		Verb:            r.Form.Get("verb"),
		Identifier:      r.Form.Get("identifier"),
		MetadataPrefix:  r.Form.Get("metadataPrefix"),
		From:            r.Form.Get("from"),
		Until:           r.Form.Get("until"),
		Set:             r.Form.Get("set"),
		ResumptionToken: r.Form.Get("resumptionToken"),
		BaseURL:         h.baseURL,
	}
}

func (h *Handler) writeXML(ctx context.Context, w http.ResponseWriter, env *envelope) {
	out, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		h.logger.ErrorContext(ctx, "response marshalling failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// verbLabel keeps the metrics label space closed against arbitrary client
// input.
func verbLabel(verb string) string {
	switch verb {
	case "Identify", "ListSets", "ListMetadataFormats", "ListIdentifiers", "ListRecords", "GetRecord":
		return verb
	case "":
		return "missing"
	default:
		return "unknown"
	}
}
