package oai

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumptionTokenRoundTrip(t *testing.T) {
	issued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	params := Params{
		"verb":           {strptr("ListRecords")},
		"metadataPrefix": {strptr("oai_dc")},
		"from":           {strptr("2024-01-01")},
		"set":            {strptr("a:b")},
	}

	token := encodeResumptionToken(params, "ListRecords", "oai:example.org:42", issued)
	fields, err := parseResumptionToken(token)
	require.NoError(t, err)

	// Every field is present, absent arguments as explicit nulls.
	require.Len(t, fields, 7)
	require.NotNil(t, fields["verb"])
	assert.Equal(t, "ListRecords", *fields["verb"])
	require.NotNil(t, fields["metadataPrefix"])
	assert.Equal(t, "oai_dc", *fields["metadataPrefix"])
	require.NotNil(t, fields["offset"])
	assert.Equal(t, "oai:example.org:42", *fields["offset"])
	require.NotNil(t, fields["date"])
	assert.Equal(t, "2024-03-01T12:00:00Z", *fields["date"])
	require.NotNil(t, fields["from"])
	assert.Equal(t, "2024-01-01", *fields["from"])
	require.NotNil(t, fields["set"])
	assert.Equal(t, "a:b", *fields["set"])
	require.Contains(t, fields, "until")
	assert.Nil(t, fields["until"])
}

func TestParseResumptionTokenRejectsGarbage(t *testing.T) {
	encode := func(raw string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(raw))
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "not base64", token: "%%%"},
		{name: "not json", token: encode("not json")},
		{name: "json array", token: encode(`["a"]`)},
		{name: "json string", token: encode(`"a"`)},
		{name: "json null", token: encode("null")},
		{name: "non-string field", token: encode(`{"verb": 5}`)},
		{name: "nested object field", token: encode(`{"verb": {}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResumptionToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestParseResumptionTokenToleratesUnknownFields(t *testing.T) {
	raw := base64.RawURLEncoding.EncodeToString([]byte(`{"verb": "ListSets", "extra": "x"}`))

	fields, err := parseResumptionToken(raw)
	require.NoError(t, err)
	assert.Contains(t, fields, "extra")
}
