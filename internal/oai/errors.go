package oai

import (
	"fmt"

	pstrings "github.com/aryla/kuha/pkg/platform/strings"
)

// Code is an OAI-PMH protocol error code. The eight values below are the
// complete vocabulary the protocol defines; no other codes are ever sent.
type Code string

const (
	CodeBadArgument             Code = "badArgument"
	CodeBadResumptionToken      Code = "badResumptionToken"
	CodeBadVerb                 Code = "badVerb"
	CodeCannotDisseminateFormat Code = "cannotDisseminateFormat"
	CodeIDDoesNotExist          Code = "idDoesNotExist"
	CodeNoRecordsMatch          Code = "noRecordsMatch"
	CodeNoMetadataFormats       Code = "noMetadataFormats"
	CodeNoSetHierarchy          Code = "noSetHierarchy"
)

// Error is a protocol error. It renders to the client as an <error>
// element inside a 200 response rather than as an HTTP failure. Anything
// a handler returns that is not an *Error is treated as an internal
// fault and never exposed to the client.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Fixed-message protocol errors. These are singletons so call sites can
// branch with errors.Is, which matters where one condition is reported
// under another name (an expired token during ListSets is answered as an
// invalid one).
var (
	ErrInvalidResumptionToken = &Error{Code: CodeBadResumptionToken, Message: "Invalid resumption token"}
	ErrExpiredResumptionToken = &Error{Code: CodeBadResumptionToken, Message: "Resumption token has expired."}
	ErrInvalidVerb            = &Error{Code: CodeBadVerb, Message: "Invalid verb"}
	ErrRepeatedVerb           = &Error{Code: CodeBadVerb, Message: "Repeated verb"}
	ErrMissingVerb            = &Error{Code: CodeBadVerb, Message: "Missing verb"}
	ErrNoRecordsMatch         = &Error{Code: CodeNoRecordsMatch, Message: "No matching records found."}
	ErrNoSetHierarchy         = &Error{Code: CodeNoSetHierarchy, Message: "This repository does not support sets."}
)

// BadArgument reports a malformed, repeated, missing or unknown request
// argument. The message may interpolate client input, so characters that
// cannot appear in XML are stripped from it.
func BadArgument(format string, args ...any) *Error {
	return &Error{
		Code:    CodeBadArgument,
		Message: pstrings.FilterIllegalXML(fmt.Sprintf(format, args...)),
	}
}

// UnsupportedMetadataFormat reports a metadataPrefix no item in the
// repository can be disseminated in.
func UnsupportedMetadataFormat(prefix string) *Error {
	return &Error{
		Code:    CodeCannotDisseminateFormat,
		Message: pstrings.FilterIllegalXML(fmt.Sprintf(`Metadata format "%s" is not supported by this repository.`, prefix)),
	}
}

// UnavailableMetadataFormat reports a known metadataPrefix the given item
// has no record in.
func UnavailableMetadataFormat(prefix, identifier string) *Error {
	return &Error{
		Code:    CodeCannotDisseminateFormat,
		Message: pstrings.FilterIllegalXML(fmt.Sprintf(`Metadata format "%s" is not available for item "%s".`, prefix, identifier)),
	}
}

// IDDoesNotExist reports an identifier unknown to the repository.
func IDDoesNotExist(identifier string) *Error {
	return &Error{
		Code:    CodeIDDoesNotExist,
		Message: pstrings.FilterIllegalXML(fmt.Sprintf(`Identifier "%s" does not exist.`, identifier)),
	}
}

// NoMetadataFormats reports an item that exists but has no available
// metadata formats.
func NoMetadataFormats(identifier string) *Error {
	return &Error{
		Code:    CodeNoMetadataFormats,
		Message: pstrings.FilterIllegalXML(fmt.Sprintf(`No metadata formats available for item "%s".`, identifier)),
	}
}
