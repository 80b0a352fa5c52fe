package oai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// resumptionToken is the wire shape of a continuation cursor: a fixed set
// of fields serialized as JSON and wrapped in unpadded base64url. Nulls
// are serialized rather than omitted so a replayed request carries every
// argument of the original one, absent optional arguments included.
type resumptionToken struct {
	Verb           *string `json:"verb"`
	MetadataPrefix *string `json:"metadataPrefix"`
	Offset         *string `json:"offset"`
	Date           *string `json:"date"`
	From           *string `json:"from"`
	Until          *string `json:"until"`
	Set            *string `json:"set"`
}

// encodeResumptionToken builds the token for the next page of the request
// described by params. Offset is the identifier the next page starts at
// and issued is the current request's time, which later guards the token
// against expiry.
func encodeResumptionToken(params Params, verb, offset string, issued time.Time) string {
	date := FormatDatestamp(issued)
	tok := resumptionToken{
		Verb:           &verb,
		MetadataPrefix: params.value("metadataPrefix"),
		Offset:         &offset,
		Date:           &date,
		From:           params.value("from"),
		Until:          params.value("until"),
		Set:            params.value("set"),
	}
	data, _ := json.Marshal(tok)
	return base64.RawURLEncoding.EncodeToString(data)
}

// parseResumptionToken decodes a client-supplied token into its fields.
// Decoding preserves the difference between an absent field and a null
// one, and tolerates unknown fields; both matter to how a replayed
// request is validated. Any structural defect reports a plain error; the
// caller answers with ErrInvalidResumptionToken.
func parseResumptionToken(value string) (map[string]*string, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	var fields map[string]*string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("token is not an object")
	}
	return fields, nil
}

// resolveToken handles the resumptionToken argument of verb, if present.
// It reports whether a token was supplied and, when one was, returns the
// replayed request arguments it carries.
//
// A resumption token must be the request's only argument. A token that
// does not decode, belongs to another verb or has a broken issue date is
// invalid. A token issued at or before the store's latest change is
// expired; list handlers report that as is, while ListSets rejects any
// token as invalid.
func (r *Repository) resolveToken(ctx context.Context, verb string, params Params) (Params, bool, error) {
	if !params.Has("resumptionToken") {
		return nil, false, nil
	}
	if err := checkParams(params, []string{"resumptionToken"}, nil); err != nil {
		return nil, false, err
	}

	value, _ := params.Get("resumptionToken")
	fields, err := parseResumptionToken(value)
	if err != nil {
		return nil, false, ErrInvalidResumptionToken
	}
	if tokVerb, ok := fields["verb"]; !ok || tokVerb == nil || *tokVerb != verb {
		return nil, false, ErrInvalidResumptionToken
	}

	date, ok := fields["date"]
	if !ok || date == nil {
		return nil, false, ErrInvalidResumptionToken
	}
	issued, _, err := ParseDatestamp(*date)
	if err != nil {
		return nil, false, ErrInvalidResumptionToken
	}
	latest, ok, err := r.store.LatestDatestamp(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("latest datestamp: %w", err)
	}
	if ok && !latest.Before(issued) {
		return nil, false, ErrExpiredResumptionToken
	}

	replayed := make(Params, len(fields))
	for name, value := range fields {
		replayed[name] = []*string{value}
	}
	return replayed, true, nil
}
