package fcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fcpqueue/models"
)

const (
	// DefaultNodeAddress is the node's standard FCP listener.
	DefaultNodeAddress = "127.0.0.1:9481"
	// DefaultClientName prefixes the ClientHello name of every session.
	DefaultClientName = "fcpqueue"

	defaultMaxRetries = 1
)

// ClientOptions configures one-shot node operations.
type ClientOptions struct {
	Address    string
	ClientName string

	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration

	// Sequence generates request identifiers. A fresh one is used when nil.
	Sequence *Sequence

	// DDA enables probing for disk direct access before transfers.
	DDA bool

	// Default priorities applied when a request does not name one.
	DefaultDownloadPriority *models.Priority
	DefaultUploadPriority   *models.Priority

	Logger zerolog.Logger

	dial DialFunc
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Address == "" {
		out.Address = DefaultNodeAddress
	}
	if out.ClientName == "" {
		out.ClientName = DefaultClientName
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.Sequence == nil {
		out.Sequence = NewSequence(0)
	}
	return out
}

// NodeHello is the node's answer to ClientHello.
type NodeHello struct {
	FCPVersion string
	Version    string
	Node       string
	Build      int
}

// Keypair is a generated signed-address pair.
type Keypair struct {
	InsertURI  string
	RequestURI string
}

// Client performs one-shot operations, each on its own session.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger
}

// NewClient creates a client with defaults applied.
func NewClient(options ClientOptions) *Client {
	opts := options.withDefaults()
	return &Client{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "fcp").Logger(),
	}
}

// Address returns the node address the client dials.
func (c *Client) Address() string {
	return c.opts.Address
}

// Sequence returns the identifier sequence shared by this client.
func (c *Client) Sequence() *Sequence {
	return c.opts.Sequence
}

// Handshake opens a session, exchanges hellos and closes it.
func (c *Client) Handshake(ctx context.Context) (*NodeHello, error) {
	session, hello, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	_ = session.Close()
	return hello, nil
}

// IsPluginTalkable reports whether a named node plugin is loaded and answers FCP.
// Every failure yields false.
func (c *Client) IsPluginTalkable(ctx context.Context, pluginName string) bool {
	session, _, err := c.open(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Str("plugin", pluginName).Msg("plugin probe connect failed")
		return false
	}
	defer session.Close()

	identifier := c.opts.Sequence.Next("plugin")
	request := NewMessage(VerbGetPluginInfo).
		Set("PluginName", pluginName).
		Set("Identifier", identifier).
		SetBool("Detailed", false)
	if err := session.Send(request); err != nil {
		return false
	}

	reply, err := session.Receive()
	if err != nil || reply == nil {
		return false
	}
	if !reply.IsMessageName(VerbPluginInfo) {
		return false
	}
	return reply.Bool("IsTalkable", false)
}

// GenerateKeypair asks the node for a fresh signed-address keypair.
func (c *Client) GenerateKeypair(ctx context.Context) (*Keypair, error) {
	session, _, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	identifier := c.opts.Sequence.Next("genssk")
	if err := session.Send(NewMessage(VerbGenerateSSK).Set("Identifier", identifier)); err != nil {
		return nil, err
	}

	reply, err := session.Receive()
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	if reply == nil {
		return nil, ErrNoMessage
	}
	if isProtocolFailureVerb(reply.Name) {
		return nil, protocolFailure(reply)
	}
	if !reply.IsMessageName(VerbSSKKeypair) {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, reply.Name)
	}

	insertURI := trimKeypairURI(reply.String("InsertURI"))
	requestURI := trimKeypairURI(reply.String("RequestURI"))
	if insertURI == "" || requestURI == "" {
		return nil, fmt.Errorf("%w: keypair without addresses", ErrUnexpectedMessage)
	}
	return &Keypair{InsertURI: insertURI, RequestURI: requestURI}, nil
}

func trimKeypairURI(raw string) string {
	return strings.TrimSuffix(ExtractKey(raw), "/")
}

// open dials and performs the ClientHello handshake.
func (c *Client) open(ctx context.Context) (*Session, *NodeHello, error) {
	session, err := Dial(ctx, c.opts.dial, c.opts.Address, c.opts.ConnectionTimeout, c.opts.ReadTimeout)
	if err != nil {
		return nil, nil, err
	}

	hello, err := c.handshake(session)
	if err != nil {
		_ = session.Close()
		return nil, nil, err
	}
	return session, hello, nil
}

func (c *Client) handshake(session *Session) (*NodeHello, error) {
	request := NewMessage(VerbClientHello).
		Set("Name", c.opts.ClientName+"-"+uuid.NewString()).
		Set("ExpectedVersion", ProtocolVersion)
	if err := session.Send(request); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	reply, err := session.ReceiveWithTimeout(c.opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrNoMessage)
	}
	if !reply.IsMessageName(VerbNodeHello) {
		return nil, fmt.Errorf("%w: got %s", ErrHandshakeFailed, reply.Name)
	}

	return &NodeHello{
		FCPVersion: reply.String("FCPVersion"),
		Version:    reply.String("Version"),
		Node:       reply.String("Node"),
		Build:      reply.Int("Build", 0),
	}, nil
}

// testDDA runs the TestDDA exchange for dir on an open session. Any failure
// along the way means access is not granted.
func (c *Client) testDDA(session *Session, dir string, wantRead, wantWrite bool) bool {
	if !c.opts.DDA {
		return false
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}

	request := NewMessage(VerbTestDDARequest).Set("Directory", dir)
	if wantRead {
		request.SetBool("WantReadDirectory", true)
	}
	if wantWrite {
		request.SetBool("WantWriteDirectory", true)
	}
	if err := session.Send(request); err != nil {
		return false
	}

	reply, err := session.Receive()
	if err != nil || reply == nil || !reply.IsMessageName(VerbTestDDAReply) {
		return false
	}

	response := NewMessage(VerbTestDDAResponse).Set("Directory", dir)

	var written string
	if wantWrite {
		writeFilename := reply.String("WriteFilename")
		if writeFilename == "" {
			return false
		}
		if err := os.WriteFile(writeFilename, []byte(reply.String("ContentToWrite")), 0o600); err != nil {
			c.logger.Debug().Err(err).Str("dir", dir).Msg("dda write probe failed")
		} else {
			written = writeFilename
		}
	}
	defer func() {
		if written != "" {
			_ = os.Remove(written)
		}
	}()

	if wantRead {
		readFilename := reply.String("ReadFilename")
		if readFilename != "" {
			content, err := os.ReadFile(readFilename)
			if err == nil {
				response.Set("ReadContent", strings.TrimSpace(string(content)))
			}
		}
	}

	if err := session.Send(response); err != nil {
		return false
	}

	complete, err := session.Receive()
	if err != nil || complete == nil || !complete.IsMessageName(VerbTestDDAComplete) {
		return false
	}
	if wantRead && !complete.Bool("ReadDirectoryAllowed", false) {
		return false
	}
	if wantWrite && !complete.Bool("WriteDirectoryAllowed", false) {
		return false
	}
	return true
}

func (c *Client) resolvePriority(explicit *models.Priority, direction models.Direction) models.Priority {
	if explicit != nil && explicit.Valid() {
		return *explicit
	}
	var fallback *models.Priority
	switch direction {
	case models.DirectionDownload:
		fallback = c.opts.DefaultDownloadPriority
	case models.DirectionUpload:
		fallback = c.opts.DefaultUploadPriority
	}
	if fallback != nil && fallback.Valid() {
		return *fallback
	}
	return models.PriorityMedium
}

func coerceMaxRetries(n int) int {
	if n < defaultMaxRetries {
		return defaultMaxRetries
	}
	return n
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
