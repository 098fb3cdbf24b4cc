package fcp

import (
	"errors"
	"fmt"
	"strings"

	"fcpqueue/models"
)

var (
	// ErrNoMessage indicates the node closed the stream where a message was expected.
	ErrNoMessage = errors.New("fcp: connection closed without message")
	// ErrHandshakeFailed indicates ClientHello was not answered with NodeHello.
	ErrHandshakeFailed = errors.New("fcp: handshake failed")
	// ErrShortPayload indicates fewer payload bytes arrived than DataLength announced.
	ErrShortPayload = errors.New("fcp: payload shorter than announced length")
	// ErrEmptyKey indicates an empty or placeholder key was requested.
	ErrEmptyKey = errors.New("fcp: empty key")
	// ErrDDARefused indicates the node denied disk access for the directory.
	ErrDDARefused = errors.New("fcp: disk direct access refused")
	// ErrUnexpectedMessage indicates a reply verb that cannot answer the request.
	ErrUnexpectedMessage = errors.New("fcp: unexpected message")
	// ErrUnsupportedMode indicates a transfer mode the request cannot use.
	ErrUnsupportedMode = errors.New("fcp: transfer mode not supported")
)

// Fetch failure codes reported in GetFailed.
const (
	FetchCodeDataNotFound    = 13
	FetchCodeCancelled       = 25
	FetchCodeAllDataNotFound = 28
	FetchCodeRecentlyFailed  = 30
)

// Insert failure codes reported in PutFailed.
const (
	InsertCodeRouteNotFound = 5
	InsertCodeCollision     = 9
	InsertCodeCancelled     = 10
)

// Classify maps a node failure code to the client's reaction class.
func Classify(direction models.Direction, code int) models.FailureClass {
	switch direction {
	case models.DirectionDownload:
		switch code {
		case FetchCodeCancelled:
			return models.FailureCancelled
		case FetchCodeRecentlyFailed:
			return models.FailureRetryable
		case FetchCodeDataNotFound, FetchCodeAllDataNotFound:
			return models.FailureNotFound
		}
	case models.DirectionUpload:
		switch code {
		case InsertCodeCollision:
			return models.FailureCollision
		case InsertCodeCancelled:
			return models.FailureCancelled
		case InsertCodeRouteNotFound:
			return models.FailureRetryable
		}
	}
	return models.FailureGeneric
}

// NodeFailure is a GetFailed or PutFailed answer. The Fatal flag is advisory.
type NodeFailure struct {
	Verb string
	models.Failure
}

func (e *NodeFailure) Error() string {
	return fmt.Sprintf("fcp: %s (%s) %s", e.Verb, e.Class, e.Failure.String())
}

// ProtocolFailure is a ProtocolError, IdentifierCollision or unknown-identifier answer.
type ProtocolFailure struct {
	Verb        string
	Code        int
	Description string
	Identifier  string
}

func (e *ProtocolFailure) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("fcp: %s code=%d identifier=%q", e.Verb, e.Code, e.Identifier)
	}
	return fmt.Sprintf("fcp: %s code=%d identifier=%q: %s", e.Verb, e.Code, e.Identifier, e.Description)
}

// IsNotFound reports whether err is an expected "data not found" outcome.
func IsNotFound(err error) bool {
	var nf *NodeFailure
	return errors.As(err, &nf) && nf.Class == models.FailureNotFound
}

// FailureClassOf returns the class of a NodeFailure inside err, or FailureGeneric.
func FailureClassOf(err error) models.FailureClass {
	var nf *NodeFailure
	if errors.As(err, &nf) {
		return nf.Class
	}
	return models.FailureGeneric
}

func isProtocolFailureVerb(name string) bool {
	switch name {
	case VerbProtocolError, VerbIdentifierCollision, VerbUnknownNodeIdentifier,
		VerbUnknownPeerNoteType, VerbCloseConnectionDuplicate:
		return true
	default:
		return false
	}
}

func protocolFailure(m *Message) *ProtocolFailure {
	description := m.String("CodeDescription")
	if extra := m.String("ExtraDescription"); extra != "" {
		if description == "" {
			description = extra
		} else {
			description += ": " + extra
		}
	}
	return &ProtocolFailure{
		Verb:        m.Name,
		Code:        m.Int("Code", 0),
		Description: description,
		Identifier:  m.String("Identifier"),
	}
}

func nodeFailure(direction models.Direction, m *Message) *NodeFailure {
	code := m.Int("Code", 0)
	return &NodeFailure{
		Verb: m.Name,
		Failure: models.Failure{
			Code:        code,
			Description: m.String("CodeDescription"),
			Fatal:       m.Bool("Fatal", false),
			RedirectURI: m.String("RedirectURI"),
			Class:       Classify(direction, code),
		},
	}
}

// KeyPrefixes are the address types the client recognizes.
var KeyPrefixes = []string{"CHK@", "SSK@", "USK@", "KSK@"}

// ExtractKey returns the trimmed substring of s starting at the first recognized
// address prefix, or "" when none is present.
func ExtractKey(s string) string {
	best := -1
	for _, prefix := range KeyPrefixes {
		if idx := strings.Index(s, prefix); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	if best < 0 {
		return ""
	}
	return strings.TrimSpace(s[best:])
}

// IsPlaceholderKey reports keys that can never be fetched.
func IsPlaceholderKey(key string) bool {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return true
	}
	for _, prefix := range KeyPrefixes {
		if trimmed == prefix {
			return true
		}
	}
	return false
}
