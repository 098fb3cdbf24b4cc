package queue

import (
	"time"

	"fcpqueue/fcp"
	"fcpqueue/models"
)

const removedByNodeDescription = "removed from node queue"

var _ fcp.SnapshotHandler = (*Reconciler)(nil)

// HandleRemote applies one observation of the node queue. It implements
// fcp.Handler together with HandleRemoved and HandleError, and
// fcp.SnapshotHandler through HandleListStart and HandleSnapshot.
func (r *Reconciler) HandleRemote(record models.RemoteRecord) {
	if record.Identifier == "" {
		return
	}

	var fx effects
	r.mu.Lock()
	r.applyStateLocked(record, &fx)
	r.mu.Unlock()

	r.flush(fx)
}

func (r *Reconciler) applyStateLocked(record models.RemoteRecord, fx *effects) {
	id := record.Identifier
	if _, ok := r.removing[id]; ok {
		return
	}
	if _, ok := r.detached[id]; ok {
		return
	}

	t := r.lookupLocked(id, record.Direction)
	if t == nil {
		if !r.showExternal {
			return
		}
		t = externalFromRecord(record, r.opts.now())
		if t == nil {
			return
		}
		r.insertLocked(t)
		fx.emit(EventAdded, t)
	}

	base := t.Base()
	if base.State.IsTerminal() {
		return
	}
	if record.Failure != nil && record.Failure.Class == models.FailureCancelled && base.InternalRemoveExpected {
		// Our own cancel echoed back; the removal notice finishes it.
		return
	}

	changed := false
	if record.HasPriority && record.Priority != base.Priority {
		if r.opts.EnforceLocalPriority && !base.IsExternal {
			fx.modifies = append(fx.modifies, priorityChange{identifier: id, priority: base.Priority})
		} else {
			base.Priority = record.Priority
			changed = true
		}
	}

	if !record.HasOutcome() {
		if base.State == models.StateWaiting && !base.InternalRemoveExpected {
			base.State = models.StateInProgress
			changed = true
		}
		if changed {
			r.touchLocked(t, EventUpdated, fx)
		}
		return
	}

	if record.Progress != nil && record.Progress.TotalBlocks > 0 {
		base.Progress.Apply(*record.Progress)
		if base.State == models.StateWaiting && !base.InternalRemoveExpected {
			base.State = models.StateInProgress
		}
		changed = true
	}

	switch {
	case record.Success:
		r.succeedLocked(t, record, fx)
	case record.Failure != nil:
		description := record.Failure.String()
		if record.Failure.Class == models.FailureRetryable && !base.IsExternal && !base.InternalRemoveExpected {
			r.scheduleRetryLocked(t, description, fx)
		} else {
			r.failLocked(t, description, record.Failure.Class, fx)
		}
	case changed:
		r.touchLocked(t, EventUpdated, fx)
	}
}

func (r *Reconciler) succeedLocked(t models.Transfer, record models.RemoteRecord, fx *effects) {
	base := t.Base()
	base.Progress.MarkSucceeded()
	if u, ok := t.(*models.Upload); ok {
		if key := fcp.ExtractKey(record.URI); key != "" {
			u.Key = key
		}
	}

	if d, ok := t.(*models.Download); ok && base.IsDirect && !base.IsExternal && !base.InternalRemoveExpected {
		// The node holds the data; the direct worker still has to copy it out.
		if _, pending := r.pulls[d.GlobalID]; pending {
			return
		}
		base.State = models.StateInProgress
		r.pushDirectLocked(t, true, fx)
		r.touchLocked(t, EventUpdated, fx)
		return
	}
	r.completeLocked(t, fx)
}

// HandleRemoved applies a node notice that a request left the global queue.
func (r *Reconciler) HandleRemoved(identifier string) {
	var fx effects
	r.mu.Lock()
	delete(r.detached, identifier)
	if _, ok := r.removing[identifier]; ok {
		r.releaseRetryLocked(identifier)
		fx.trigger = true
	} else if t := r.lookupLocked(identifier, models.DirectionUnknown); t != nil {
		r.removedByNodeLocked(t, &fx)
	}
	r.mu.Unlock()

	r.flush(fx)
}

func (r *Reconciler) removedByNodeLocked(t models.Transfer, fx *effects) {
	base := t.Base()
	switch {
	case base.InternalRemoveExpected, base.IsExternal, base.State.IsTerminal():
		r.deleteLocked(t, fx)
	case base.State == models.StateWaiting:
	default:
		r.failLocked(t, removedByNodeDescription, models.FailureGeneric, fx)
	}
}

// HandleListStart remembers which items the node should report in the listing
// that follows. Items admitted while the listing is in flight are not judged
// by it.
func (r *Reconciler) HandleListStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCandidates = make(map[string]struct{})
	for _, t := range r.itemsLocked() {
		if r.listedOnNodeLocked(t) {
			r.listCandidates[t.Base().GlobalID] = struct{}{}
		}
	}
}

// HandleSnapshot treats candidates missing from a complete node listing as
// removed. It makes up for removal notices lost while the watcher was
// disconnected.
func (r *Reconciler) HandleSnapshot(identifiers []string) {
	listed := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		listed[id] = struct{}{}
	}

	var fx effects
	r.mu.Lock()
	candidates := r.listCandidates
	r.listCandidates = nil
	for id := range candidates {
		if _, ok := listed[id]; ok {
			continue
		}
		t := r.lookupLocked(id, models.DirectionUnknown)
		if t == nil || !r.listedOnNodeLocked(t) {
			continue
		}
		r.logger.Info().Str("global_id", id).Msg("request missing from node queue listing")
		r.removedByNodeLocked(t, &fx)
	}
	r.mu.Unlock()

	r.flush(fx)
}

// listedOnNodeLocked reports whether the node must still hold a request for t.
func (r *Reconciler) listedOnNodeLocked(t models.Transfer) bool {
	base := t.Base()
	if base.IsExternal || base.State != models.StateInProgress {
		return false
	}
	id := base.GlobalID
	for _, pending := range []map[string]struct{}{r.admitting, r.directMembers, r.pulls} {
		if _, ok := pending[id]; ok {
			return false
		}
	}
	if _, ok := r.removing[id]; ok {
		return false
	}
	return true
}

// HandleError records a watcher session failure. The watcher reconnects on
// its own; items keep their state until the node reports again.
func (r *Reconciler) HandleError(err error) {
	if err == nil {
		return
	}
	r.logger.Warn().Err(err).Msg("node queue watch interrupted")
}

func externalFromRecord(record models.RemoteRecord, now time.Time) models.Transfer {
	item := models.Item{
		GlobalID:    record.Identifier,
		Key:         record.URI,
		Priority:    models.PriorityMedium,
		State:       models.StateInProgress,
		IsExternal:  true,
		IsDirect:    record.Direct,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if record.HasPriority {
		item.Priority = record.Priority
	}

	switch record.Direction {
	case models.DirectionDownload:
		return &models.Download{Item: item}
	case models.DirectionUpload:
		return &models.Upload{Item: item}
	default:
		return nil
	}
}
