package queue

import (
	"sync"

	"fcpqueue/models"
)

// localWrite is one pending change to the local model. A nil transfer deletes
// the record.
type localWrite struct {
	globalID string
	transfer models.Transfer
}

// writeQueue holds local model changes in the order they were made under the
// reconciler lock. Pushing never blocks on storage.
type writeQueue struct {
	mu      sync.Mutex
	pending []localWrite
	wake    chan struct{}

	// applyMu serializes take-and-apply so batches reach the store in order.
	applyMu sync.Mutex
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

func (q *writeQueue) push(w localWrite) {
	q.mu.Lock()
	q.pending = append(q.pending, w)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *writeQueue) take() []localWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// queueSaveLocked schedules a copy of t for the local model.
func (r *Reconciler) queueSaveLocked(t models.Transfer) {
	if t.Base().IsExternal || r.opts.Store == nil {
		return
	}
	r.writes.push(localWrite{globalID: t.Base().GlobalID, transfer: t.Clone()})
}

func (r *Reconciler) queueDeleteLocked(globalID string) {
	if r.opts.Store == nil {
		return
	}
	r.localDeletes++
	r.writes.push(localWrite{globalID: globalID})
}

// runWriter applies local model changes off the reconciler lock until the
// reconciler stops. Stop drains whatever is left.
func (r *Reconciler) runWriter() {
	defer r.wg.Done()

	for {
		r.writeLocal()
		select {
		case <-r.writes.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

// writeLocal applies every pending change and returns once they are stored.
func (r *Reconciler) writeLocal() {
	if r.opts.Store == nil {
		return
	}
	r.writes.applyMu.Lock()
	defer r.writes.applyMu.Unlock()

	for _, w := range r.writes.take() {
		if w.transfer == nil {
			if err := r.opts.Store.DeleteTransfer(w.globalID); err != nil {
				r.logger.Warn().Err(err).Str("global_id", w.globalID).Msg("delete local record failed")
			}
			continue
		}
		if err := r.opts.Store.SaveTransfer(w.transfer); err != nil {
			r.logger.Warn().Err(err).Str("global_id", w.globalID).Msg("persist transfer failed")
		}
	}
}
