package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"fcpqueue/crypto"
	"fcpqueue/fcp"
	"fcpqueue/models"
)

// DefaultMaxConsecutiveFailures stops the direct worker after this many
// unexpected job failures in a row.
const DefaultMaxConsecutiveFailures = 3

var errDirectWorkerStopped = errors.New("direct transfer worker stopped")

// directQueue is a blocking FIFO of direct jobs. Close drops pending jobs and
// wakes every waiter; Pop and Push report false afterwards.
type directQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []directJob
	closed bool
}

// directJob is one unit of socket-pumped work. pull marks a download whose data
// is complete on the node and only needs to be copied out.
type directJob struct {
	transfer models.Transfer
	pull     bool
}

func newDirectQueue() *directQueue {
	q := &directQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends job. It reports false when the queue is closed.
func (q *directQueue) Push(job directJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed.
func (q *directQueue) Pop() (directJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return directJob{}, false
	}
	job := q.items[0]
	q.items[0] = directJob{}
	q.items = q.items[1:]
	return job, true
}

// Remove drops a queued job that has not started yet.
func (q *directQueue) Remove(globalID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.items {
		if job.transfer.Base().GlobalID == globalID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *directQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *directQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

func (q *directQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type directResult struct {
	registered bool
	done       bool
	uri        string
	digest     string
}

// runDirectWorker serves the direct queue one job at a time until the queue is
// closed or too many jobs fail in a row.
func (r *Reconciler) runDirectWorker() {
	defer r.wg.Done()

	failures := 0
	for {
		job, ok := r.direct.Pop()
		if !ok {
			return
		}

		result, err := r.safeDirect(job)
		r.finishDirect(job, result, err)

		if err == nil || !isUnexpectedDirectError(err) {
			failures = 0
			continue
		}
		failures++
		if failures >= r.opts.MaxConsecutiveFailures {
			r.logger.Error().Int("failures", failures).Msg("direct transfer worker stopped after consecutive failures")
			r.stopDirect()
			return
		}
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("direct transfer panicked: %v", e.value)
}

// safeDirect runs one job, turning a panic into an error.
func (r *Reconciler) safeDirect(job directJob) (result directResult, err error) {
	direction := job.transfer.Direction()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error().
				Str("global_id", job.transfer.Base().GlobalID).
				Str("stack", string(debug.Stack())).
				Msgf("direct transfer panicked: %v", recovered)
			r.opts.Metrics.recordDirectJob(direction, "panic")
			result = directResult{}
			err = &panicError{value: recovered}
		}
	}()

	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	result, err = r.performDirect(ctx, job)
	if err != nil {
		r.opts.Metrics.recordDirectJob(direction, "error")
		return result, err
	}
	r.opts.Metrics.recordDirectJob(direction, "ok")
	return result, nil
}

func isUnexpectedDirectError(err error) bool {
	var dialErr *fcp.DialError
	var nodeErr *fcp.NodeFailure
	var protoErr *fcp.ProtocolFailure
	switch {
	case errors.As(err, &dialErr), errors.As(err, &nodeErr), errors.As(err, &protoErr):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func (r *Reconciler) performDirect(ctx context.Context, job directJob) (directResult, error) {
	base := job.transfer.Base()
	switch t := job.transfer.(type) {
	case *models.Download:
		if !job.pull {
			err := r.opts.Node.AddPersistentGet(ctx, fcp.PersistentRequest{
				Identifier: base.GlobalID,
				Key:        base.Key,
				Path:       t.TargetPath,
				Priority:   base.Priority,
				Mode:       fcp.ModeDirect,
				MaxSize:    t.MaxSize,
			})
			if err != nil {
				return directResult{}, err
			}
			return directResult{registered: true}, nil
		}
		return r.pullDownload(ctx, t)
	case *models.Upload:
		result, err := r.opts.Node.Store(ctx, fcp.StoreRequest{
			Key:              base.Key,
			SourcePath:       t.SourcePath,
			GetAddressOnly:   t.GetAddressOnly,
			ApplyContentType: true,
			PreShared:        t.PreShared,
			MaxRetries:       -1,
			Priority:         &base.Priority,
			Identifier:       base.GlobalID,
			ForceDirect:      true,
			Persistent:       true,
		})
		if err != nil {
			return directResult{}, err
		}
		return directResult{done: true, uri: result.URI}, nil
	default:
		return directResult{}, fmt.Errorf("unsupported transfer type %T", job.transfer)
	}
}

func (r *Reconciler) pullDownload(ctx context.Context, t *models.Download) (directResult, error) {
	tempPath := t.TargetPath + ".part." + uuid.NewString()
	if _, err := r.opts.Node.FetchPersistentData(ctx, t.GlobalID, tempPath); err != nil {
		_ = os.Remove(tempPath)
		return directResult{}, err
	}
	if err := os.Rename(tempPath, t.TargetPath); err != nil {
		return directResult{}, &fcp.RenameError{TempPath: tempPath, TargetPath: t.TargetPath, Err: err}
	}

	digest, err := crypto.FileDigest(t.TargetPath)
	if err != nil {
		r.logger.Warn().Err(err).Str("global_id", t.GlobalID).Msg("digest completed download failed")
	}
	return directResult{done: true, digest: digest}, nil
}

// finishDirect applies a worker outcome to the live item, if it is still tracked.
func (r *Reconciler) finishDirect(job directJob, result directResult, jobErr error) {
	id := job.transfer.Base().GlobalID

	var fx effects
	r.mu.Lock()
	delete(r.directMembers, id)
	t := r.lookupLocked(id, job.transfer.Direction())
	if t == nil || t.Base().State.IsTerminal() {
		delete(r.pulls, id)
		r.mu.Unlock()
		return
	}
	base := t.Base()

	switch {
	case jobErr == nil && result.registered:
		if base.State == models.StateWaiting {
			base.State = models.StateInProgress
		}
		r.opts.Metrics.recordAdmission(t.Direction(), fcp.ModeDirect.String())
		r.touchLocked(t, EventUpdated, &fx)
		if _, pending := r.pulls[id]; pending {
			// The node finished before the registration returned.
			r.pushDirectLocked(t, true, &fx)
		}
	case jobErr == nil && result.done:
		if u, ok := t.(*models.Upload); ok && result.uri != "" {
			u.Key = result.uri
		}
		if result.digest != "" {
			base.Digest = result.digest
		}
		delete(r.pulls, id)
		r.completeLocked(t, &fx)
	default:
		r.directFailedLocked(t, jobErr, &fx)
	}
	r.mu.Unlock()

	r.flush(fx)
}

func (r *Reconciler) directFailedLocked(t models.Transfer, jobErr error, fx *effects) {
	base := t.Base()
	var dialErr *fcp.DialError
	switch {
	case errors.As(jobErr, &dialErr), errors.Is(jobErr, context.Canceled):
		// The job never reached the node; the next admission pass hands it over again.
		r.nextAttempt[base.GlobalID] = r.opts.now().Add(r.opts.Interval)
		r.logger.Debug().Err(jobErr).Str("global_id", base.GlobalID).Msg("direct transfer deferred")
	case fcp.FailureClassOf(jobErr) == models.FailureRetryable:
		r.scheduleRetryLocked(t, jobErr.Error(), fx)
	default:
		r.failLocked(t, jobErr.Error(), fcp.FailureClassOf(jobErr), fx)
	}
}

func (r *Reconciler) stopDirect() {
	r.direct.Close()

	var fx effects
	r.mu.Lock()
	r.directStopped = true
	for id := range r.directMembers {
		delete(r.directMembers, id)
		if t := r.lookupLocked(id, models.DirectionUnknown); t != nil && !t.Base().State.IsTerminal() {
			r.failLocked(t, errDirectWorkerStopped.Error(), models.FailureGeneric, &fx)
		}
	}
	r.mu.Unlock()

	r.flush(fx)
}
