package fcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"fcpqueue/models"
)

// persistentMaxRetries asks the node to retry a queued request forever.
const persistentMaxRetries = -1

const acknowledgeTimeout = 5 * time.Second

// TransferMode selects how bytes travel between the node and the local file.
type TransferMode int

const (
	// ModeDisk lets the node read or write the file itself.
	ModeDisk TransferMode = iota
	// ModeDirect pumps the bytes over the control socket.
	ModeDirect
)

func (m TransferMode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "disk"
}

// PersistentRequest registers a request in the node's global queue under a
// caller-chosen identifier.
type PersistentRequest struct {
	Identifier string
	Key        string
	// Path is the target file for downloads and the source file for uploads.
	Path     string
	Priority models.Priority
	Mode     TransferMode

	MaxSize        int64
	GetAddressOnly bool
	ContentType    string
	PreShared      bool
}

func (r PersistentRequest) validate() error {
	if r.Identifier == "" {
		return errors.New("identifier is required")
	}
	if r.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// AddPersistentGet queues a global download. In ModeDisk the disk access probe runs
// first on the same session and ErrDDARefused is returned when it fails.
func (c *Client) AddPersistentGet(ctx context.Context, req PersistentRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if IsPlaceholderKey(req.Key) {
		return ErrEmptyKey
	}

	session, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	request := NewMessage(VerbClientGet).
		Set("URI", req.Key).
		Set("Identifier", req.Identifier).
		SetInt("Verbosity", 1).
		SetInt("MaxRetries", persistentMaxRetries).
		SetInt("PriorityClass", int64(c.resolvePriority(&req.Priority, models.DirectionDownload).Class())).
		Set("Persistence", persistenceForever).
		SetBool("Global", true)
	if req.MaxSize > 0 {
		request.SetInt("MaxSize", req.MaxSize)
	}

	switch req.Mode {
	case ModeDisk:
		if !c.testDDA(session, filepath.Dir(req.Path), false, true) {
			return ErrDDARefused
		}
		tempPath := req.Path + tempSuffix
		if err := removeIfExists(req.Path); err != nil {
			return fmt.Errorf("clear target: %w", err)
		}
		if err := removeIfExists(tempPath); err != nil {
			return fmt.Errorf("clear temp file: %w", err)
		}
		request.Set("ReturnType", returnTypeDisk).
			Set("Filename", req.Path).
			Set("TempFilename", tempPath)
	default:
		request.Set("ReturnType", returnTypeDirect)
	}

	if err := session.Send(request); err != nil {
		return err
	}
	return c.awaitAcknowledge(session, req.Identifier)
}

// AddPersistentPut queues a global upload the node reads from disk; it needs
// read access for the source directory. Socket-pumped uploads go through Store.
func (c *Client) AddPersistentPut(ctx context.Context, req PersistentRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if req.Mode != ModeDisk {
		return fmt.Errorf("%w: persistent put in %s mode", ErrUnsupportedMode, req.Mode)
	}
	if req.Key == "" {
		return ErrEmptyKey
	}
	if _, err := fileSize(req.Path); err != nil {
		return err
	}

	session, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	request := NewMessage(VerbClientPut).
		Set("URI", req.Key).
		Set("Identifier", req.Identifier).
		SetInt("Verbosity", 1).
		SetInt("MaxRetries", persistentMaxRetries).
		SetInt("PriorityClass", int64(c.resolvePriority(&req.Priority, models.DirectionUpload).Class())).
		SetBool("GetCHKOnly", req.GetAddressOnly).
		Set("Persistence", persistenceForever).
		SetBool("Global", true)
	if needsTargetFilename(req.Key) && !req.PreShared {
		request.Set("TargetFilename", filepath.Base(req.Path))
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = guessContentType(req.Path)
	}
	request.Set("Metadata.ContentType", contentType)

	if !c.testDDA(session, filepath.Dir(req.Path), true, false) {
		return ErrDDARefused
	}
	request.Set("UploadFrom", uploadFromDisk).Set("Filename", req.Path)
	if err := session.Send(request); err != nil {
		return err
	}
	return c.awaitAcknowledge(session, req.Identifier)
}

// awaitAcknowledge waits briefly for the node to echo the new request. Silence is
// taken as acceptance; a protocol error answer is not.
func (c *Client) awaitAcknowledge(session *Session, identifier string) error {
	for {
		reply, err := session.ReceiveWithTimeout(acknowledgeTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return fmt.Errorf("read acknowledge: %w", err)
		}
		if reply == nil {
			return ErrNoMessage
		}
		if isProtocolFailureVerb(reply.Name) {
			return protocolFailure(reply)
		}
		if reply.String("Identifier") == identifier {
			return nil
		}
		c.logger.Debug().Str("verb", reply.Name).Str("identifier", identifier).Msg("waiting for acknowledge")
	}
}

// RemoveRequest removes a request from the global queue. The removal is
// confirmed asynchronously by PersistentRequestRemoved on the watcher.
func (c *Client) RemoveRequest(ctx context.Context, identifier string) error {
	session, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	return session.Send(NewMessage(VerbRemoveRequest).
		Set("Identifier", identifier).
		SetBool("Global", true))
}

// ModifyPriority changes the PriorityClass of a queued request.
func (c *Client) ModifyPriority(ctx context.Context, identifier string, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %d", priority.Class())
	}
	session, _, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	return session.Send(NewMessage(VerbModifyPersistentRequest).
		Set("Identifier", identifier).
		SetBool("Global", true).
		SetInt("PriorityClass", int64(priority.Class())))
}

// FetchPersistentData asks the node for the bytes of a finished direct download
// and writes exactly DataLength bytes to path. Partial files are removed.
func (c *Client) FetchPersistentData(ctx context.Context, identifier, path string) (int64, error) {
	session, _, err := c.open(ctx)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	request := NewMessage(VerbGetRequestStatus).
		Set("Identifier", identifier).
		SetBool("Global", true).
		SetBool("OnlyData", true)
	if err := session.Send(request); err != nil {
		return 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		reply, err := session.Receive()
		if err != nil {
			return 0, fmt.Errorf("read request status: %w", err)
		}
		if reply == nil {
			return 0, ErrNoMessage
		}

		switch {
		case reply.IsMessageName(VerbAllData):
			result, err := c.receiveAllData(session, reply, path, "")
			if err != nil {
				_ = removeIfExists(path)
				return 0, err
			}
			return result.DataLength, nil
		case reply.IsMessageName(VerbGetFailed):
			return 0, nodeFailure(models.DirectionDownload, reply)
		case isProtocolFailureVerb(reply.Name):
			return 0, protocolFailure(reply)
		default:
			c.logger.Debug().Str("verb", reply.Name).Str("identifier", identifier).Msg("ignoring status reply")
		}
	}
}

// ListQueue returns a snapshot of the node's global queue.
func (c *Client) ListQueue(ctx context.Context) ([]models.RemoteRecord, error) {
	session, _, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.Send(NewMessage(VerbWatchGlobal).SetBool("Enabled", true).SetInt("VerbosityMask", 1)); err != nil {
		return nil, err
	}
	if err := session.Send(NewMessage(VerbListPersistentRequests)); err != nil {
		return nil, err
	}

	decoder := newQueueDecoder()
	var records []models.RemoteRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reply, err := session.Receive()
		if err != nil {
			return nil, fmt.Errorf("read queue listing: %w", err)
		}
		if reply == nil {
			return nil, ErrNoMessage
		}
		if reply.IsMessageName(VerbEndListPersistentRequests) {
			return records, nil
		}
		if isProtocolFailureVerb(reply.Name) {
			return nil, protocolFailure(reply)
		}
		if err := discardPayload(session, reply); err != nil {
			return nil, err
		}

		event, ok := decoder.decode(reply)
		if !ok || event.removed {
			continue
		}
		records = mergeRecord(records, event.record)
	}
}

// mergeRecord folds a follow-up event (progress, outcome) into the listing entry
// for the same identifier.
func mergeRecord(records []models.RemoteRecord, next models.RemoteRecord) []models.RemoteRecord {
	for i := range records {
		if records[i].Identifier != next.Identifier {
			continue
		}
		current := &records[i]
		if next.URI != "" {
			current.URI = next.URI
		}
		if next.HasPriority {
			current.Priority = next.Priority
			current.HasPriority = true
		}
		if next.Progress != nil {
			current.Progress = next.Progress
		}
		if next.Success {
			current.Success = true
			current.DataLength = next.DataLength
		}
		if next.Failure != nil {
			current.Failure = next.Failure
		}
		return records
	}
	return append(records, next)
}

type queueEvent struct {
	record  models.RemoteRecord
	removed bool
}

// queueDecoder turns global-queue messages into records. It remembers the
// direction of every identifier it has seen so that direction-less messages
// such as SimpleProgress can be attributed.
type queueDecoder struct {
	directions map[string]models.Direction
}

func newQueueDecoder() *queueDecoder {
	return &queueDecoder{directions: make(map[string]models.Direction)}
}

func (d *queueDecoder) decode(m *Message) (queueEvent, bool) {
	identifier := m.String("Identifier")
	if identifier == "" {
		return queueEvent{}, false
	}
	record := models.RemoteRecord{
		Identifier: identifier,
		Direction:  d.directions[identifier],
	}

	switch m.Name {
	case VerbPersistentGet:
		record.Direction = models.DirectionDownload
		record.URI = m.String("URI")
		record.Direct = m.String("ReturnType") == returnTypeDirect
		setRecordPriority(&record, m)
		d.directions[identifier] = record.Direction
	case VerbPersistentPut:
		record.Direction = models.DirectionUpload
		record.URI = m.String("URI")
		record.Direct = m.String("UploadFrom") == uploadFromDirect
		record.DataLength = m.Int64("DataLength", 0)
		setRecordPriority(&record, m)
		d.directions[identifier] = record.Direction
	case VerbPersistentRequestModified:
		if !setRecordPriority(&record, m) {
			return queueEvent{}, false
		}
	case VerbPersistentRequestRemoved:
		delete(d.directions, identifier)
		return queueEvent{record: record, removed: true}, true
	case VerbSimpleProgress:
		progress := progressFromMessage(m)
		record.Progress = &progress
	case VerbDataFound:
		record.Direction = models.DirectionDownload
		record.Success = true
		record.DataLength = m.Int64("DataLength", 0)
	case VerbAllData:
		record.Direction = models.DirectionDownload
		record.Success = true
		record.DataLength = m.Int64("DataLength", 0)
	case VerbGetFailed:
		record.Direction = models.DirectionDownload
		failure := nodeFailure(models.DirectionDownload, m).Failure
		record.Failure = &failure
	case VerbPutSuccessful:
		record.Direction = models.DirectionUpload
		record.Success = true
		record.URI = m.String("URI")
	case VerbPutFailed:
		record.Direction = models.DirectionUpload
		failure := nodeFailure(models.DirectionUpload, m).Failure
		record.Failure = &failure
	case VerbURIGenerated:
		record.Direction = models.DirectionUpload
		record.URI = m.String("URI")
	default:
		return queueEvent{}, false
	}
	return queueEvent{record: record}, true
}

// discardPayload skips the raw bytes of a payload-bearing message nobody asked for.
func discardPayload(session *Session, m *Message) error {
	if !m.HasPayload() {
		return nil
	}
	length := m.Int64("DataLength", 0)
	written, err := session.ReadRawBytes(length, io.Discard)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShortPayload, err)
	}
	if written != length {
		return ErrShortPayload
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return 0, errors.New("source path must be a file")
	}
	return info.Size(), nil
}

func setRecordPriority(record *models.RemoteRecord, m *Message) bool {
	if !m.Has("PriorityClass") {
		return false
	}
	priority := models.PriorityFromClass(m.Int("PriorityClass", models.PriorityMedium.Class()))
	if !priority.Valid() {
		return false
	}
	record.Priority = priority
	record.HasPriority = true
	return true
}
