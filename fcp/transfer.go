package fcp

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"fcpqueue/models"
)

const (
	returnTypeDisk   = "disk"
	returnTypeDirect = "direct"

	uploadFromDisk   = "disk"
	uploadFromDirect = "direct"

	persistenceConnection = "connection"
	persistenceForever    = "forever"

	defaultContentType = "application/octet-stream"
	tempSuffix         = ".tmp"
)

// ProgressFunc receives non-terminal progress reports.
type ProgressFunc func(models.Progress)

// FetchRequest describes a single fetch to a local file.
type FetchRequest struct {
	Key        string
	TargetPath string
	MaxSize    int64
	MaxRetries int
	Priority   *models.Priority

	// Identifier overrides the generated request identifier.
	Identifier string
	// ForceDirect skips the disk access probe and always pumps bytes over the socket.
	ForceDirect bool

	Progress ProgressFunc
}

// FetchResult describes a completed fetch.
type FetchResult struct {
	DataLength  int64
	ContentType string
	Direct      bool
}

// Fetch retrieves a key into req.TargetPath. On any failure the target and its
// temp file are removed.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if IsPlaceholderKey(req.Key) {
		return nil, ErrEmptyKey
	}
	if req.TargetPath == "" {
		return nil, errors.New("target path is required")
	}

	session, _, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	tempPath := req.TargetPath + tempSuffix
	useDisk := !req.ForceDirect && c.testDDA(session, filepath.Dir(req.TargetPath), false, true)

	result, err := c.fetchOnSession(ctx, session, req, useDisk, tempPath)
	if err != nil {
		_ = removeIfExists(req.TargetPath)
		_ = removeIfExists(tempPath)
		return nil, err
	}
	return result, nil
}

func (c *Client) fetchOnSession(ctx context.Context, session *Session, req FetchRequest, useDisk bool, tempPath string) (*FetchResult, error) {
	identifier := req.Identifier
	if identifier == "" {
		identifier = c.opts.Sequence.Next("get")
	}

	request := NewMessage(VerbClientGet).
		SetBool("IgnoreDS", false).
		SetBool("DSOnly", false).
		Set("URI", req.Key).
		Set("Identifier", identifier).
		SetInt("Verbosity", -1).
		SetInt("MaxRetries", int64(coerceMaxRetries(req.MaxRetries))).
		SetInt("PriorityClass", int64(c.resolvePriority(req.Priority, models.DirectionDownload).Class())).
		Set("Persistence", persistenceConnection).
		SetBool("Global", false)
	if req.MaxSize > 0 {
		request.SetInt("MaxSize", req.MaxSize)
	}

	if useDisk {
		// The node refuses to overwrite existing files.
		if err := removeIfExists(req.TargetPath); err != nil {
			return nil, fmt.Errorf("clear target: %w", err)
		}
		if err := removeIfExists(tempPath); err != nil {
			return nil, fmt.Errorf("clear temp file: %w", err)
		}
		request.Set("ReturnType", returnTypeDisk).
			Set("Filename", req.TargetPath).
			Set("TempFilename", tempPath)
	} else {
		request.Set("ReturnType", returnTypeDirect)
	}

	if err := session.Send(request); err != nil {
		return nil, err
	}

	var contentType string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reply, err := session.Receive()
		if err != nil {
			return nil, fmt.Errorf("read fetch reply: %w", err)
		}
		if reply == nil {
			return nil, ErrNoMessage
		}

		switch {
		case reply.IsMessageName(VerbAllData):
			return c.receiveAllData(session, reply, req.TargetPath, contentType)
		case reply.IsMessageName(VerbDataFound):
			contentType = reply.String("Metadata.ContentType")
			if useDisk {
				return &FetchResult{
					DataLength:  reply.Int64("DataLength", 0),
					ContentType: contentType,
				}, nil
			}
		case reply.IsMessageName(VerbGetFailed):
			return nil, nodeFailure(models.DirectionDownload, reply)
		case reply.IsMessageName(VerbSimpleProgress):
			if req.Progress != nil {
				req.Progress(progressFromMessage(reply))
			}
		case isProtocolFailureVerb(reply.Name):
			return nil, protocolFailure(reply)
		default:
			c.logger.Debug().Str("verb", reply.Name).Str("identifier", identifier).Msg("ignoring fetch reply")
		}
	}
}

func (c *Client) receiveAllData(session *Session, reply *Message, targetPath, contentType string) (*FetchResult, error) {
	if !reply.HasPayload() {
		return nil, fmt.Errorf("%w: AllData without payload", ErrUnexpectedMessage)
	}
	length := reply.Int64("DataLength", -1)
	if length < 0 {
		return nil, fmt.Errorf("%w: AllData without DataLength", ErrUnexpectedMessage)
	}

	written, err := writePayload(session, length, targetPath)
	if err != nil {
		return nil, err
	}
	if written != length {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortPayload, written, length)
	}

	if contentType == "" {
		contentType = reply.String("Metadata.ContentType")
	}
	return &FetchResult{DataLength: written, ContentType: contentType, Direct: true}, nil
}

func writePayload(session *Session, length int64, targetPath string) (int64, error) {
	file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open target file: %w", err)
	}

	written, copyErr := session.ReadRawBytes(length, file)
	closeErr := file.Close()
	if copyErr != nil {
		return written, fmt.Errorf("%w: %w", ErrShortPayload, copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("close target file: %w", closeErr)
	}
	return written, nil
}

// StoreRequest describes a single insert from a local file.
type StoreRequest struct {
	Key        string
	SourcePath string

	// GetAddressOnly computes the content address without inserting.
	GetAddressOnly   bool
	ApplyContentType bool
	// PreShared marks files already announced under their own name; no
	// TargetFilename is attached for them.
	PreShared bool

	MaxRetries int
	Priority   *models.Priority

	Identifier  string
	ForceDirect bool
	// Persistent registers the insert in the node's global queue.
	Persistent bool

	Progress ProgressFunc
}

// StoreResult carries the final address of an insert.
type StoreResult struct {
	URI    string
	Direct bool
}

// Store inserts req.SourcePath and returns the resulting address.
func (c *Client) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if strings.TrimSpace(req.Key) == "" {
		return nil, ErrEmptyKey
	}
	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("source path must be a file")
	}

	session, _, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	useDisk := !req.ForceDirect && c.testDDA(session, filepath.Dir(req.SourcePath), true, false)
	return c.storeOnSession(ctx, session, req, info.Size(), useDisk)
}

func (c *Client) storeOnSession(ctx context.Context, session *Session, req StoreRequest, size int64, useDisk bool) (*StoreResult, error) {
	identifier := req.Identifier
	if identifier == "" {
		identifier = c.opts.Sequence.Next("put")
	}

	request := NewMessage(VerbClientPut).
		Set("URI", req.Key).
		Set("Identifier", identifier).
		SetInt("Verbosity", -1).
		SetInt("MaxRetries", int64(coerceMaxRetries(req.MaxRetries))).
		SetInt("PriorityClass", int64(c.resolvePriority(req.Priority, models.DirectionUpload).Class())).
		SetBool("GetCHKOnly", req.GetAddressOnly).
		SetBool("DontCompress", false)
	if req.Persistent {
		request.Set("Persistence", persistenceForever).SetBool("Global", true)
	} else {
		request.Set("Persistence", persistenceConnection).SetBool("Global", false)
	}
	if needsTargetFilename(req.Key) && !req.PreShared {
		request.Set("TargetFilename", filepath.Base(req.SourcePath))
	}
	if req.ApplyContentType {
		request.Set("Metadata.ContentType", guessContentType(req.SourcePath))
	}

	if useDisk {
		request.Set("UploadFrom", uploadFromDisk).Set("Filename", req.SourcePath)
		if err := session.Send(request); err != nil {
			return nil, err
		}
	} else {
		request.Set("UploadFrom", uploadFromDirect).SetInt("DataLength", size)
		request.End = EndData
		if err := sendWithFile(session, request, req.SourcePath, size); err != nil {
			return nil, err
		}
	}

	var generated string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reply, err := session.Receive()
		if err != nil {
			return nil, fmt.Errorf("read store reply: %w", err)
		}
		if reply == nil {
			return nil, ErrNoMessage
		}

		switch {
		case reply.IsMessageName(VerbURIGenerated):
			generated = ExtractKey(reply.String("URI"))
			if req.GetAddressOnly {
				return &StoreResult{URI: generated, Direct: !useDisk}, nil
			}
		case reply.IsMessageName(VerbPutSuccessful):
			uri := ExtractKey(reply.String("URI"))
			if uri == "" {
				uri = generated
			}
			return &StoreResult{URI: uri, Direct: !useDisk}, nil
		case reply.IsMessageName(VerbPutFailed):
			return nil, nodeFailure(models.DirectionUpload, reply)
		case reply.IsMessageName(VerbSimpleProgress):
			if req.Progress != nil {
				req.Progress(progressFromMessage(reply))
			}
		case isProtocolFailureVerb(reply.Name):
			return nil, protocolFailure(reply)
		default:
			c.logger.Debug().Str("verb", reply.Name).Str("identifier", identifier).Msg("ignoring store reply")
		}
	}
}

func sendWithFile(session *Session, request *Message, path string, size int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	if err := Encode(session.writer, request); err != nil {
		return err
	}
	written, err := session.WriteRawBytes(file)
	if err != nil {
		return err
	}
	if written != size {
		return fmt.Errorf("%w: sent %d of %d bytes", ErrShortPayload, written, size)
	}
	return nil
}

// GenerateAddress computes the content address of a file without inserting it.
// It returns "" when the node fails to produce one.
func (c *Client) GenerateAddress(ctx context.Context, sourcePath string) (string, error) {
	result, err := c.Store(ctx, StoreRequest{
		Key:              "CHK@",
		SourcePath:       sourcePath,
		GetAddressOnly:   true,
		ApplyContentType: true,
	})
	if err != nil {
		return "", err
	}
	return result.URI, nil
}

func needsTargetFilename(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), "CHK@")
}

func guessContentType(path string) string {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		return defaultContentType
	}
	return contentType
}

func progressFromMessage(m *Message) models.Progress {
	return models.Progress{
		DoneBlocks:     m.Int("Succeeded", 0),
		RequiredBlocks: m.Int("Required", 0),
		TotalBlocks:    m.Int("Total", 0),
		Finalized:      m.Bool("FinalizedTotal", false),
	}
}
