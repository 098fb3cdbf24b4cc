package fcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// ProtocolVersion is the ExpectedVersion sent in ClientHello.
	ProtocolVersion = "2.0"
	// MaxLineLength bounds one protocol line.
	MaxLineLength = 64 * 1024
	// MaxFields bounds the number of Key=Value lines in one message.
	MaxFields = 1024
	// DefaultConnectionTimeout bounds TCP dial and handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultReadTimeout bounds each message read on one-shot sessions.
	DefaultReadTimeout = 5 * time.Minute
)

const (
	// EndMessage terminates a pure control message.
	EndMessage = "EndMessage"
	// EndData terminates a message followed by DataLength raw bytes.
	EndData = "Data"
)

// Outgoing verbs.
const (
	VerbClientHello             = "ClientHello"
	VerbClientGet               = "ClientGet"
	VerbClientPut               = "ClientPut"
	VerbGenerateSSK             = "GenerateSSK"
	VerbGetPluginInfo           = "GetPluginInfo"
	VerbTestDDARequest          = "TestDDARequest"
	VerbTestDDAResponse         = "TestDDAResponse"
	VerbWatchGlobal             = "WatchGlobal"
	VerbListPersistentRequests  = "ListPersistentRequests"
	VerbRemoveRequest           = "RemoveRequest"
	VerbModifyPersistentRequest = "ModifyPersistentRequest"
	VerbGetRequestStatus        = "GetRequestStatus"
)

// Incoming verbs.
const (
	VerbNodeHello                 = "NodeHello"
	VerbAllData                   = "AllData"
	VerbDataFound                 = "DataFound"
	VerbGetFailed                 = "GetFailed"
	VerbPutSuccessful             = "PutSuccessful"
	VerbPutFailed                 = "PutFailed"
	VerbURIGenerated              = "URIGenerated"
	VerbSSKKeypair                = "SSKKeypair"
	VerbSimpleProgress            = "SimpleProgress"
	VerbPluginInfo                = "PluginInfo"
	VerbTestDDAReply              = "TestDDAReply"
	VerbTestDDAComplete           = "TestDDAComplete"
	VerbPersistentGet             = "PersistentGet"
	VerbPersistentPut             = "PersistentPut"
	VerbPersistentRequestModified = "PersistentRequestModified"
	VerbPersistentRequestRemoved  = "PersistentRequestRemoved"
	VerbEndListPersistentRequests = "EndListPersistentRequests"
	VerbProtocolError             = "ProtocolError"
	VerbIdentifierCollision       = "IdentifierCollision"
	VerbUnknownNodeIdentifier     = "UnknownNodeIdentifier"
	VerbUnknownPeerNoteType       = "UnknownPeerNoteType"
	VerbCloseConnectionDuplicate  = "CloseConnectionDuplicateClientName"
)

var (
	// ErrLineTooLong indicates a protocol line exceeded MaxLineLength.
	ErrLineTooLong = errors.New("fcp: line exceeds max length")
	// ErrTooManyFields indicates a message exceeded MaxFields.
	ErrTooManyFields = errors.New("fcp: too many fields")
	// ErrTruncatedMessage indicates the stream ended inside a message.
	ErrTruncatedMessage = errors.New("fcp: truncated message")
	// ErrMalformedLine indicates a field line without '='.
	ErrMalformedLine = errors.New("fcp: malformed field line")
	// ErrInvalidField indicates an outgoing name, key or value that would break
	// line framing.
	ErrInvalidField = errors.New("fcp: invalid message field")
)

type field struct {
	key   string
	value string
}

// Message is one protocol block: a verb, ordered fields, and a terminator.
type Message struct {
	Name string
	End  string

	fields []field
}

// NewMessage creates an outgoing control message.
func NewMessage(name string) *Message {
	return &Message{Name: name, End: EndMessage}
}

// Set appends or replaces a field, keeping first-insertion order.
func (m *Message) Set(key, value string) *Message {
	for i := range m.fields {
		if m.fields[i].key == key {
			m.fields[i].value = value
			return m
		}
	}
	m.fields = append(m.fields, field{key: key, value: value})
	return m
}

// SetInt is Set with a decimal integer value.
func (m *Message) SetInt(key string, value int64) *Message {
	return m.Set(key, strconv.FormatInt(value, 10))
}

// SetBool is Set with "true"/"false".
func (m *Message) SetBool(key string, value bool) *Message {
	return m.Set(key, strconv.FormatBool(value))
}

// Keys returns field names in wire order.
func (m *Message) Keys() []string {
	out := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		out = append(out, f.key)
	}
	return out
}

// IsMessageName reports whether the verb equals name.
func (m *Message) IsMessageName(name string) bool {
	return m != nil && m.Name == name
}

// HasPayload reports whether DataLength raw bytes follow the message.
func (m *Message) HasPayload() bool {
	return m != nil && m.End == EndData
}

// Has reports whether key is present.
func (m *Message) Has(key string) bool {
	_, ok := m.lookup(key)
	return ok
}

// String returns the value of key, or "" when absent.
func (m *Message) String(key string) string {
	v, _ := m.lookup(key)
	return v
}

// Int returns key as an int, or def when absent or malformed.
func (m *Message) Int(key string, def int) int {
	v, ok := m.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Int64 returns key as an int64, or def when absent or malformed.
func (m *Message) Int64(key string, def int64) int64 {
	v, ok := m.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Bool returns key as a bool, or def when absent or malformed.
func (m *Message) Bool(key string, def bool) bool {
	v, ok := m.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func (m *Message) lookup(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, f := range m.fields {
		if f.key == key {
			return f.value, true
		}
	}
	return "", false
}

// Encode writes one message block. The caller flushes buffered writers.
func Encode(w io.Writer, m *Message) error {
	end := m.End
	if end == "" {
		end = EndMessage
	}

	if m.Name == "" || hasLineBreak(m.Name) || hasLineBreak(end) {
		return fmt.Errorf("%w: message name %q", ErrInvalidField, m.Name)
	}
	for _, f := range m.fields {
		if f.key == "" || hasLineBreak(f.key) || strings.ContainsRune(f.key, '=') || hasLineBreak(f.value) {
			return fmt.Errorf("%w: %s field %q", ErrInvalidField, m.Name, f.key)
		}
	}

	var b strings.Builder
	b.WriteString(m.Name)
	b.WriteByte('\n')
	for _, f := range m.fields {
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
		b.WriteByte('\n')
	}
	b.WriteString(end)
	b.WriteByte('\n')

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write %s: %w", m.Name, err)
	}
	return nil
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

// Decode reads lines until a terminator. A stream that is closed before the first
// line yields (nil, nil): no message, which callers must treat as failure.
func Decode(r *bufio.Reader) (*Message, error) {
	var msg *Message
	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if msg == nil {
					return nil, nil
				}
				return nil, ErrTruncatedMessage
			}
			return nil, err
		}
		if line == "" {
			continue
		}

		if msg == nil {
			msg = &Message{Name: line}
			continue
		}

		if line == EndMessage || line == EndData {
			msg.End = line
			return msg, nil
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q in %s", ErrMalformedLine, line, msg.Name)
		}
		if len(msg.fields) >= MaxFields {
			return nil, ErrTooManyFields
		}
		msg.fields = append(msg.fields, field{key: key, value: value})
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return "", ErrTruncatedMessage
			}
			return "", err
		}
		buf = append(buf, chunk...)
		if len(buf) > MaxLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return strings.TrimSuffix(string(buf), "\r"), nil
		}
	}
}
