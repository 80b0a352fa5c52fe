package handler

import (
	"encoding/xml"

	"github.com/aryla/kuha/internal/oai"
	"github.com/aryla/kuha/internal/storage"
)

const (
	xmlnsOAI        = "http://www.openarchives.org/OAI/2.0/"
	xmlnsXSI        = "http://www.w3.org/2001/XMLSchema-instance"
	schemaLocation  = "http://www.openarchives.org/OAI/2.0/ http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd"
	protocolVersion = "2.0"
	granularity     = "YYYY-MM-DDThh:mm:ssZ"
)

// envelope is the OAI-PMH response document. Exactly one of the verb
// payloads or Error is set; nil pointers marshal to nothing.
type envelope struct {
	XMLName        xml.Name `xml:"OAI-PMH"`
	XMLNS          string   `xml:"xmlns,attr"`
	XMLNSXSI       string   `xml:"xmlns:xsi,attr"`
	SchemaLocation string   `xml:"xsi:schemaLocation,attr"`

	ResponseDate string         `xml:"responseDate"`
	Request      requestElement `xml:"request"`

	Error *errorElement `xml:"error"`

	Identify            *identifyElement        `xml:"Identify"`
	ListSets            *listSetsElement        `xml:"ListSets"`
	ListMetadataFormats *listFormatsElement     `xml:"ListMetadataFormats"`
	ListIdentifiers     *listIdentifiersElement `xml:"ListIdentifiers"`
	ListRecords         *listRecordsElement     `xml:"ListRecords"`
	GetRecord           *getRecordElement       `xml:"GetRecord"`
}

// requestElement echoes the request. The attributes are omitted on
// protocol errors; the element text is always the repository's base URL.
type requestElement struct {
	Verb            string `xml:"verb,attr,omitempty"`
	Identifier      string `xml:"identifier,attr,omitempty"`
	MetadataPrefix  string `xml:"metadataPrefix,attr,omitempty"`
	From            string `xml:"from,attr,omitempty"`
	Until           string `xml:"until,attr,omitempty"`
	Set             string `xml:"set,attr,omitempty"`
	ResumptionToken string `xml:"resumptionToken,attr,omitempty"`
	BaseURL         string `xml:",chardata"`
}

type errorElement struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// description carries a pre-rendered XML fragment verbatim.
type description struct {
	XML string `xml:",innerxml"`
}

type identifyElement struct {
	RepositoryName    string        `xml:"repositoryName"`
	BaseURL           string        `xml:"baseURL"`
	ProtocolVersion   string        `xml:"protocolVersion"`
	AdminEmails       []string      `xml:"adminEmail"`
	EarliestDatestamp string        `xml:"earliestDatestamp"`
	DeletedRecord     string        `xml:"deletedRecord"`
	Granularity       string        `xml:"granularity"`
	Descriptions      []description `xml:"description"`
}

type setElement struct {
	Spec string `xml:"setSpec"`
	Name string `xml:"setName"`
}

type listSetsElement struct {
	Sets []setElement `xml:"set"`
}

type formatElement struct {
	Prefix    string `xml:"metadataPrefix"`
	Schema    string `xml:"schema"`
	Namespace string `xml:"metadataNamespace"`
}

type listFormatsElement struct {
	Formats []formatElement `xml:"metadataFormat"`
}

// headerElement is a record header. Status is "deleted" for tombstones.
type headerElement struct {
	Status     string   `xml:"status,attr,omitempty"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

// metadata wraps the stored payload, which is already XML.
type metadata struct {
	XML string `xml:",innerxml"`
}

type recordElement struct {
	Header   headerElement `xml:"header"`
	Metadata *metadata     `xml:"metadata"`
}

// tokenElement distinguishes an empty token, which closes a paged
// exchange, from no token at all.
type tokenElement struct {
	Value string `xml:",chardata"`
}

type listIdentifiersElement struct {
	Headers         []headerElement `xml:"header"`
	ResumptionToken *tokenElement   `xml:"resumptionToken"`
}

type listRecordsElement struct {
	Records         []recordElement `xml:"record"`
	ResumptionToken *tokenElement   `xml:"resumptionToken"`
}

type getRecordElement struct {
	Record recordElement `xml:"record"`
}

func newIdentifyElement(res *oai.IdentifyResult, baseURL string) *identifyElement {
	el := &identifyElement{
		RepositoryName:    res.RepositoryName,
		BaseURL:           baseURL,
		ProtocolVersion:   protocolVersion,
		AdminEmails:       res.AdminEmails,
		EarliestDatestamp: oai.FormatDatestamp(res.EarliestDatestamp),
		DeletedRecord:     res.DeletedRecords,
		Granularity:       granularity,
	}
	for _, d := range res.Descriptions {
		el.Descriptions = append(el.Descriptions, description{XML: d})
	}
	return el
}

func newListSetsElement(sets []storage.Set) *listSetsElement {
	el := &listSetsElement{Sets: make([]setElement, 0, len(sets))}
	for _, set := range sets {
		el.Sets = append(el.Sets, setElement{Spec: set.Spec, Name: set.Name})
	}
	return el
}

func newListFormatsElement(formats []storage.Format) *listFormatsElement {
	el := &listFormatsElement{Formats: make([]formatElement, 0, len(formats))}
	for _, format := range formats {
		el.Formats = append(el.Formats, formatElement{
			Prefix:    format.Prefix,
			Schema:    format.Schema,
			Namespace: format.Namespace,
		})
	}
	return el
}

func newHeaderElement(record storage.Record) headerElement {
	header := headerElement{
		Identifier: record.Identifier,
		Datestamp:  oai.FormatDatestamp(record.Datestamp),
		SetSpecs:   record.Sets,
	}
	if record.Deleted {
		header.Status = "deleted"
	}
	return header
}

// newRecordElement renders a record. Tombstones carry no metadata.
func newRecordElement(record storage.Record) recordElement {
	el := recordElement{Header: newHeaderElement(record)}
	if !record.Deleted {
		el.Metadata = &metadata{XML: record.Payload}
	}
	return el
}

func newTokenElement(token *string) *tokenElement {
	if token == nil {
		return nil
	}
	return &tokenElement{Value: *token}
}

func newListIdentifiersElement(list *oai.RecordList) *listIdentifiersElement {
	el := &listIdentifiersElement{
		Headers:         make([]headerElement, 0, len(list.Records)),
		ResumptionToken: newTokenElement(list.Token),
	}
	for _, record := range list.Records {
		el.Headers = append(el.Headers, newHeaderElement(record))
	}
	return el
}

func newListRecordsElement(list *oai.RecordList) *listRecordsElement {
	el := &listRecordsElement{
		Records:         make([]recordElement, 0, len(list.Records)),
		ResumptionToken: newTokenElement(list.Token),
	}
	for _, record := range list.Records {
		el.Records = append(el.Records, newRecordElement(record))
	}
	return el
}
