// Package rverrors defines the uniform error taxonomy shared by the crypto,
// transport, and protocol layers of the Rendezvous client.
//
// Error kinds carry a stable numeric code so they round-trip with the
// server: the HTTP status the server returns maps directly onto a Kind
// (see internal/transport), and the client's own local failures reuse the
// same enumeration instead of inventing a second vocabulary.
package rverrors

import "fmt"

// Kind is a stable, numeric error classification.
type Kind int

const (
	KindNoResponse            Kind = 0
	KindUnknown               Kind = 1
	KindNoDataInResponse      Kind = 2
	KindInvalidServerData     Kind = 3
	KindSerializationFailed   Kind = 4
	KindInvalidFile           Kind = 5
	KindNoPermissionToWrite   Kind = 6
	KindInvalidRequest        Kind = 400
	KindAuthenticationFailed  Kind = 401
	KindInvalidSignature      Kind = 406
	KindResourceAlreadyExists Kind = 409
	KindRequestOutdated       Kind = 410
	KindInvalidTopicKeyUpload Kind = 412
	KindInternalServerError   Kind = 500
)

var kindNames = map[Kind]string{
	KindNoResponse:            "no_response",
	KindUnknown:               "unknown",
	KindNoDataInResponse:      "no_data_in_response",
	KindInvalidServerData:     "invalid_server_data",
	KindSerializationFailed:   "serialization_failed",
	KindInvalidFile:           "invalid_file",
	KindNoPermissionToWrite:   "no_permission_to_write",
	KindInvalidRequest:        "invalid_request",
	KindAuthenticationFailed:  "authentication_failed",
	KindInvalidSignature:      "invalid_signature",
	KindResourceAlreadyExists: "resource_already_exists",
	KindRequestOutdated:       "request_outdated",
	KindInvalidTopicKeyUpload: "invalid_topic_key_upload",
	KindInternalServerError:   "internal_server_error",
}

// String renders the kind's stable wire name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a Rendezvous error: a stable Kind plus human context.
type Error struct {
	kind Kind
	msg  string
	err  error // wrapped cause, may be nil
}

// New creates an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Wrap creates an Error of the given kind that wraps a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's stable classification.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from any error, returning KindUnknown for
// errors that do not carry one.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var rvErr *Error
	if asError(err, &rvErr) {
		return rvErr.kind
	}
	return KindUnknown
}

// asError is a small local errors.As to avoid importing the stdlib errors
// package purely for one call site; kept here for readability at call sites
// throughout the module.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Is implements errors.Is support by kind: two *Error values are
// considered equal if their Kind matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// StatusToKind maps an HTTP status code onto the taxonomy.
func StatusToKind(status int) Kind {
	switch status {
	case 200:
		return KindUnknown // caller treats 200 as success, this is never surfaced
	case 400:
		return KindInvalidRequest
	case 401:
		return KindAuthenticationFailed
	case 406:
		return KindInvalidSignature
	case 409:
		return KindResourceAlreadyExists
	case 410:
		return KindRequestOutdated
	case 412:
		return KindInvalidTopicKeyUpload
	case 500:
		return KindInternalServerError
	default:
		return KindUnknown
	}
}

// KindToStatus is the inverse of StatusToKind, used by the reference server
// to translate a handler-level Kind back into an HTTP status.
func KindToStatus(k Kind) int {
	switch k {
	case KindInvalidRequest:
		return 400
	case KindAuthenticationFailed:
		return 401
	case KindInvalidSignature:
		return 406
	case KindResourceAlreadyExists:
		return 409
	case KindRequestOutdated:
		return 410
	case KindInvalidTopicKeyUpload:
		return 412
	case KindInternalServerError:
		return 500
	default:
		return 500
	}
}
