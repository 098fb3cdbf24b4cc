package fcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fcpqueue/models"
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// ErrWatcherClosed is reported when the node ends the global watch session.
var ErrWatcherClosed = errors.New("fcp: watch session closed by node")

// Handler receives decoded global-queue events. Calls are made synchronously from
// the watcher goroutine and must not block on I/O.
type Handler interface {
	HandleRemote(record models.RemoteRecord)
	HandleRemoved(identifier string)
	HandleError(err error)
}

// SnapshotHandler is implemented by handlers that want the queue listing sent
// on every (re)connect. HandleListStart is called before the listing is
// requested; HandleSnapshot receives every identifier listed before
// EndListPersistentRequests.
type SnapshotHandler interface {
	HandleListStart()
	HandleSnapshot(identifiers []string)
}

// WatcherOptions configures the long-lived global queue session.
type WatcherOptions struct {
	ReconnectBackoff []time.Duration
	Logger           zerolog.Logger
}

// Watcher keeps one session subscribed to the node's global queue and forwards
// every event to a Handler, reconnecting with backoff when the session drops.
type Watcher struct {
	client  *Client
	handler Handler
	backoff []time.Duration
	logger  zerolog.Logger

	connected atomic.Bool

	mu      sync.Mutex
	session *Session
}

// NewWatcher creates a watcher using client's connection settings.
func NewWatcher(client *Client, handler Handler, options WatcherOptions) *Watcher {
	backoff := options.ReconnectBackoff
	if len(backoff) == 0 {
		backoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	return &Watcher{
		client:  client,
		handler: handler,
		backoff: backoff,
		logger:  options.Logger.With().Str("component", "fcp_watcher").Logger(),
	}
}

// Connected reports whether a watch session is currently established.
func (w *Watcher) Connected() bool {
	return w.connected.Load()
}

// Run watches until ctx is cancelled. Session failures are reported to the
// handler and followed by a reconnect.
func (w *Watcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.closeSession)
	defer stop()

	attempt := 0
	for {
		delay := w.backoffForAttempt(attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		err := w.watchOnce(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Warn().Err(err).Int("attempt", attempt).Msg("watch session ended")
			w.handler.HandleError(err)
		}
		attempt++
	}
}

func (w *Watcher) watchOnce(ctx context.Context, onConnected func()) error {
	session, _, err := w.client.open(ctx)
	if err != nil {
		return err
	}
	// The watch session idles for long stretches between events.
	session.readTimeout = 0

	w.mu.Lock()
	w.session = session
	w.mu.Unlock()
	defer func() {
		w.connected.Store(false)
		w.closeSession()
	}()
	if ctx.Err() != nil {
		return nil
	}

	watch := NewMessage(VerbWatchGlobal).
		SetBool("Enabled", true).
		SetInt("VerbosityMask", 1)
	if err := session.Send(watch); err != nil {
		return err
	}
	snapshots, _ := w.handler.(SnapshotHandler)
	if snapshots != nil {
		snapshots.HandleListStart()
	}
	if err := session.Send(NewMessage(VerbListPersistentRequests)); err != nil {
		return err
	}

	w.connected.Store(true)
	onConnected()
	w.logger.Info().Str("address", w.client.Address()).Msg("watching global queue")

	decoder := newQueueDecoder()
	listing := &queueListing{identifiers: make(map[string]struct{})}
	for {
		message, err := session.Receive()
		if err != nil {
			return fmt.Errorf("read global queue: %w", err)
		}
		if message == nil {
			return ErrWatcherClosed
		}
		if err := discardPayload(session, message); err != nil {
			return err
		}
		w.dispatch(decoder, listing, message)
	}
}

// queueListing collects the identifiers reported between ListPersistentRequests
// and EndListPersistentRequests.
type queueListing struct {
	identifiers map[string]struct{}
	done        bool
}

func (l *queueListing) observe(m *Message) {
	if l.done {
		return
	}
	switch m.Name {
	case VerbPersistentGet, VerbPersistentPut:
		if id := m.String("Identifier"); id != "" {
			l.identifiers[id] = struct{}{}
		}
	case VerbPersistentRequestRemoved:
		delete(l.identifiers, m.String("Identifier"))
	}
}

func (l *queueListing) finish() []string {
	l.done = true
	out := make([]string, 0, len(l.identifiers))
	for id := range l.identifiers {
		out = append(out, id)
	}
	sort.Strings(out)
	l.identifiers = nil
	return out
}

func (w *Watcher) dispatch(decoder *queueDecoder, listing *queueListing, message *Message) {
	if message.IsMessageName(VerbEndListPersistentRequests) {
		if listing.done {
			return
		}
		identifiers := listing.finish()
		w.logger.Debug().Int("count", len(identifiers)).Msg("global queue listed")
		if snapshots, ok := w.handler.(SnapshotHandler); ok {
			snapshots.HandleSnapshot(identifiers)
		}
		return
	}
	listing.observe(message)
	if isProtocolFailureVerb(message.Name) {
		w.handler.HandleError(protocolFailure(message))
		return
	}
	event, ok := decoder.decode(message)
	if !ok {
		w.logger.Debug().Str("verb", message.Name).Msg("ignoring global queue message")
		return
	}
	if event.removed {
		w.handler.HandleRemoved(event.record.Identifier)
		return
	}
	w.handler.HandleRemote(event.record)
}

func (w *Watcher) closeSession() {
	w.mu.Lock()
	session := w.session
	w.session = nil
	w.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

func (w *Watcher) backoffForAttempt(attempt int) time.Duration {
	if len(w.backoff) == 0 {
		return 0
	}
	if attempt < len(w.backoff) {
		return w.backoff[attempt]
	}
	return w.backoff[len(w.backoff)-1]
}
