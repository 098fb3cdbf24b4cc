package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"fcpqueue/crypto"
	"fcpqueue/fcp"
	"fcpqueue/models"
)

const (
	defaultInterval       = 5 * time.Second
	defaultCancelTimeout  = 2 * time.Minute
	defaultRetryInterval  = 10 * time.Second
	defaultRetryBurst     = 1
	defaultCommandTimeout = 30 * time.Second
	defaultEventBuffer    = 256
)

var (
	// ErrNotFound is returned for unknown global identifiers.
	ErrNotFound = errors.New("queue: transfer not found")
	// ErrDuplicate is returned when an identifier is already tracked.
	ErrDuplicate = errors.New("queue: transfer already exists")
	// ErrExternal is returned when a caller tries to control an external item.
	ErrExternal = errors.New("queue: external transfers are read-only")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("queue: reconciler stopped")
)

// Node is the subset of node commands the reconciler issues. *fcp.Client
// implements it.
type Node interface {
	AddPersistentGet(ctx context.Context, req fcp.PersistentRequest) error
	AddPersistentPut(ctx context.Context, req fcp.PersistentRequest) error
	RemoveRequest(ctx context.Context, identifier string) error
	ModifyPriority(ctx context.Context, identifier string, priority models.Priority) error
	FetchPersistentData(ctx context.Context, identifier, path string) (int64, error)
	Store(ctx context.Context, req fcp.StoreRequest) (*fcp.StoreResult, error)
	ListQueue(ctx context.Context) ([]models.RemoteRecord, error)
}

// LocalModel persists local transfer records across restarts.
type LocalModel interface {
	SaveTransfer(t models.Transfer) error
	DeleteTransfer(globalID string) error
	ListTransfers() ([]models.Transfer, error)
}

// Options configures a Reconciler.
type Options struct {
	Node  Node
	Store LocalModel

	Sequence *fcp.Sequence
	Policy   SelectionPolicy

	// Admission ceilings per direction. Zero or less means unbounded.
	MaxActiveDownloads int
	MaxActiveUploads   int

	// Priorities given to transfers enqueued without one. Unset falls back to
	// PriorityMedium.
	DefaultDownloadPriority models.Priority
	DefaultUploadPriority   models.Priority

	EnforceLocalPriority bool
	ShowExternal         bool

	// DDA makes admission try disk-direct mode before handing items to the
	// direct worker.
	DDA bool

	Interval       time.Duration
	CancelTimeout  time.Duration
	RetryInterval  time.Duration
	RetryBurst     int
	CommandTimeout time.Duration

	MaxConsecutiveFailures int
	EventBuffer            int

	Metrics *Metrics
	Logger  zerolog.Logger

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Sequence == nil {
		out.Sequence = fcp.NewSequence(uint64(time.Now().UnixMilli()))
	}
	if out.Policy == nil {
		out.Policy = PriorityPolicy{}
	}
	if out.Interval <= 0 {
		out.Interval = defaultInterval
	}
	if out.CancelTimeout <= 0 {
		out.CancelTimeout = defaultCancelTimeout
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = defaultRetryInterval
	}
	if out.RetryBurst <= 0 {
		out.RetryBurst = defaultRetryBurst
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = defaultCommandTimeout
	}
	if out.MaxConsecutiveFailures <= 0 {
		out.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Reconciler keeps the local transfer model consistent with the node's global
// queue. One mutex guards every map and item field.
type Reconciler struct {
	opts    Options
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu              sync.Mutex
	downloads       map[string]*models.Download
	uploads         map[string]*models.Upload
	admitting       map[string]struct{}
	directMembers   map[string]struct{}
	pulls           map[string]struct{}
	removing        map[string]time.Time
	nextAttempt     map[string]time.Time
	cancelRequested map[string]time.Time
	detached        map[string]struct{}
	listCandidates  map[string]struct{}
	showExternal    bool
	directStopped   bool

	direct  *directQueue
	trigger chan struct{}

	writes       *writeQueue
	localDeletes uint64

	// enqueueMu keeps Enqueue's store write and insert atomic with respect
	// to syncLocalModel.
	enqueueMu sync.Mutex

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool

	goMu     sync.Mutex
	stopping bool

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler with defaults applied.
func New(options Options) (*Reconciler, error) {
	opts := options.withDefaults()
	if opts.Node == nil {
		return nil, errors.New("node is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		opts:            opts,
		logger:          opts.Logger.With().Str("component", "queue").Logger(),
		limiter:         rate.NewLimiter(rate.Every(opts.RetryInterval), opts.RetryBurst),
		downloads:       make(map[string]*models.Download),
		uploads:         make(map[string]*models.Upload),
		admitting:       make(map[string]struct{}),
		directMembers:   make(map[string]struct{}),
		pulls:           make(map[string]struct{}),
		removing:        make(map[string]time.Time),
		nextAttempt:     make(map[string]time.Time),
		cancelRequested: make(map[string]time.Time),
		detached:        make(map[string]struct{}),
		showExternal:    opts.ShowExternal,
		direct:          newDirectQueue(),
		writes:          newWriteQueue(),
		trigger:         make(chan struct{}, 1),
		events:          make(chan Event, opts.EventBuffer),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Start launches the admission loop and the direct worker. Cancelling ctx stops
// both; Stop waits for them.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		context.AfterFunc(ctx, r.cancel)
		r.wg.Add(3)
		go r.loop()
		go r.runDirectWorker()
		go r.runWriter()
	})
}

// Stop cancels background work, waits for it, and closes the event channel.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		r.goMu.Lock()
		r.stopping = true
		r.goMu.Unlock()

		r.cancel()
		r.direct.Close()
		r.wg.Wait()
		r.writeLocal()

		r.eventsMu.Lock()
		r.eventsClosed = true
		close(r.events)
		r.eventsMu.Unlock()
	})
}

// Events provides asynchronous queue updates. Events are dropped when the
// consumer falls behind.
func (r *Reconciler) Events() <-chan Event {
	return r.events
}

// Enqueue adds a Waiting transfer and triggers admission. It returns the
// assigned global identifier.
func (r *Reconciler) Enqueue(t models.Transfer) (string, error) {
	if err := r.prepare(t); err != nil {
		return "", err
	}
	base := t.Base()

	r.enqueueMu.Lock()
	defer r.enqueueMu.Unlock()

	r.mu.Lock()
	tracked := r.lookupLocked(base.GlobalID, models.DirectionUnknown) != nil
	r.mu.Unlock()
	if tracked {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, base.GlobalID)
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.SaveTransfer(t); err != nil {
			return "", fmt.Errorf("save transfer %s: %w", base.GlobalID, err)
		}
	}

	var fx effects
	r.mu.Lock()
	r.insertLocked(t)
	fx.emit(EventAdded, t)
	fx.trigger = true
	r.mu.Unlock()

	r.flush(fx)
	return base.GlobalID, nil
}

func (r *Reconciler) prepare(t models.Transfer) error {
	base := t.Base()
	switch item := t.(type) {
	case *models.Download:
		if fcp.IsPlaceholderKey(item.Key) {
			return fcp.ErrEmptyKey
		}
		if item.TargetPath == "" {
			return errors.New("target path is required")
		}
		if base.GlobalID == "" {
			base.GlobalID = r.opts.Sequence.Next("get")
		}
	case *models.Upload:
		if item.Key == "" {
			item.Key = "CHK@"
		}
		info, err := os.Stat(item.SourcePath)
		if err != nil {
			return fmt.Errorf("stat source file: %w", err)
		}
		if info.IsDir() {
			return errors.New("source path must be a file")
		}
		item.FileSize = info.Size()
		if base.GlobalID == "" {
			base.GlobalID = r.opts.Sequence.Next("put")
		}
	default:
		return fmt.Errorf("unsupported transfer type %T", t)
	}

	switch {
	case !base.Priority.IsSet():
		base.Priority = r.defaultPriority(t.Direction())
	case !base.Priority.Valid():
		return fmt.Errorf("invalid priority %d", base.Priority.Class())
	}
	now := r.opts.now()
	base.State = models.StateWaiting
	base.IsExternal = false
	base.IsDirect = false
	base.InternalRemoveExpected = false
	base.Progress = models.Progress{}
	base.CreatedAt = now
	base.LastUpdated = now
	return nil
}

func (r *Reconciler) defaultPriority(direction models.Direction) models.Priority {
	p := r.opts.DefaultDownloadPriority
	if direction == models.DirectionUpload {
		p = r.opts.DefaultUploadPriority
	}
	if !p.Valid() {
		return models.PriorityMedium
	}
	return p
}

// Cancel removes a transfer. Items that never reached the node are dropped at
// once; others are removed from the node and dropped when the node confirms.
func (r *Reconciler) Cancel(globalID string) error {
	var fx effects
	r.mu.Lock()
	t := r.lookupLocked(globalID, models.DirectionUnknown)
	if t == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, globalID)
	}
	if t.Base().IsExternal {
		r.mu.Unlock()
		return ErrExternal
	}
	r.cancelLocked(t, &fx)
	r.mu.Unlock()

	r.flush(fx)
	return nil
}

func (r *Reconciler) cancelLocked(t models.Transfer, fx *effects) {
	base := t.Base()
	id := base.GlobalID
	_, admitting := r.admitting[id]
	_, member := r.directMembers[id]
	if member && r.direct.Remove(id) {
		delete(r.directMembers, id)
		member = false
	}

	switch {
	case base.State.IsTerminal():
		r.deleteLocked(t, fx)
		fx.removes = append(fx.removes, id)
	case base.State == models.StateWaiting && !admitting && !member:
		r.deleteLocked(t, fx)
	case base.InternalRemoveExpected:
	default:
		base.InternalRemoveExpected = true
		r.cancelRequested[id] = r.opts.now()
		r.touchLocked(t, EventUpdated, fx)
		if !admitting {
			fx.removes = append(fx.removes, id)
		}
	}
}

// SetPriority changes the local priority and pushes it to the node when the
// item is already queued there.
func (r *Reconciler) SetPriority(globalID string, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %d", priority.Class())
	}

	var fx effects
	r.mu.Lock()
	t := r.lookupLocked(globalID, models.DirectionUnknown)
	if t == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, globalID)
	}
	base := t.Base()
	if base.IsExternal {
		r.mu.Unlock()
		return ErrExternal
	}
	if base.Priority != priority {
		base.Priority = priority
		if base.State == models.StateInProgress {
			fx.modifies = append(fx.modifies, priorityChange{identifier: globalID, priority: priority})
		}
		r.touchLocked(t, EventUpdated, &fx)
	}
	r.mu.Unlock()

	r.flush(fx)
	return nil
}

// Snapshot returns copies of every tracked item, oldest first.
func (r *Reconciler) Snapshot() []models.Transfer {
	r.mu.Lock()
	out := make([]models.Transfer, 0, len(r.downloads)+len(r.uploads))
	for _, d := range r.downloads {
		out = append(out, d.Clone())
	}
	for _, u := range r.uploads {
		out = append(out, u.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Base(), out[j].Base()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.GlobalID < b.GlobalID
	})
	return out
}

// Get returns a copy of one tracked item.
func (r *Reconciler) Get(globalID string) (models.Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.lookupLocked(globalID, models.DirectionUnknown)
	if t == nil {
		return nil, false
	}
	return t.Clone(), true
}

// SetShowExternal toggles external items. Enabling scans the node queue once;
// disabling drops every external item.
func (r *Reconciler) SetShowExternal(show bool) {
	var fx effects
	r.mu.Lock()
	previous := r.showExternal
	r.showExternal = show
	if previous && !show {
		for _, t := range r.itemsLocked() {
			if t.Base().IsExternal {
				r.deleteLocked(t, &fx)
			}
		}
	}
	r.mu.Unlock()
	r.flush(fx)

	if show && !previous {
		r.goTracked(func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.opts.CommandTimeout)
			defer cancel()
			records, err := r.opts.Node.ListQueue(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Msg("list node queue failed")
				return
			}
			for _, record := range records {
				r.HandleRemote(record)
			}
		})
	}
}

// TriggerAdmission requests an admission pass without waiting for the ticker.
func (r *Reconciler) TriggerAdmission() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	r.admissionPass()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.admissionPass()
		case <-r.trigger:
			r.admissionPass()
		case <-r.ctx.Done():
			return
		}
	}
}

var directions = []models.Direction{models.DirectionDownload, models.DirectionUpload}

// admissionPass re-scans current state; it is idempotent.
func (r *Reconciler) admissionPass() {
	r.syncLocalModel()
	r.sweep()
	r.requeuePulls()
	for _, direction := range directions {
		r.admitDirection(direction)
	}
	r.observe()
}

func (r *Reconciler) admitDirection(direction models.Direction) {
	for r.ctx.Err() == nil {
		r.mu.Lock()
		available := r.availableLocked(direction)
		if available == 0 {
			r.mu.Unlock()
			return
		}
		candidates := r.candidatesLocked(direction, r.opts.now())
		if len(candidates) == 0 {
			r.mu.Unlock()
			return
		}
		next := r.opts.Policy.Next(direction, candidates)
		if next == nil {
			r.mu.Unlock()
			return
		}
		r.admitting[next.Base().GlobalID] = struct{}{}
		job := next.Clone()
		r.mu.Unlock()

		r.admitOne(job)
	}
}

func (r *Reconciler) admitOne(t models.Transfer) {
	if !r.opts.DDA {
		r.routeDirect(t)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.CommandTimeout)
	err := r.addPersistentDisk(ctx, t)
	cancel()

	switch {
	case err == nil:
		r.markAdmitted(t)
	case errors.Is(err, fcp.ErrDDARefused):
		r.routeDirect(t)
	default:
		r.admissionFailed(t, err)
	}
}

func (r *Reconciler) addPersistentDisk(ctx context.Context, t models.Transfer) error {
	base := t.Base()
	switch item := t.(type) {
	case *models.Download:
		return r.opts.Node.AddPersistentGet(ctx, fcp.PersistentRequest{
			Identifier: base.GlobalID,
			Key:        base.Key,
			Path:       item.TargetPath,
			Priority:   base.Priority,
			Mode:       fcp.ModeDisk,
			MaxSize:    item.MaxSize,
		})
	case *models.Upload:
		return r.opts.Node.AddPersistentPut(ctx, fcp.PersistentRequest{
			Identifier:     base.GlobalID,
			Key:            base.Key,
			Path:           item.SourcePath,
			Priority:       base.Priority,
			Mode:           fcp.ModeDisk,
			GetAddressOnly: item.GetAddressOnly,
			ContentType:    item.ContentType,
			PreShared:      item.PreShared,
		})
	default:
		return fmt.Errorf("unsupported transfer type %T", t)
	}
}

func (r *Reconciler) markAdmitted(job models.Transfer) {
	id := job.Base().GlobalID

	var fx effects
	r.mu.Lock()
	delete(r.admitting, id)
	t := r.lookupLocked(id, job.Direction())
	if t != nil && !t.Base().State.IsTerminal() {
		base := t.Base()
		base.IsDirect = false
		if base.InternalRemoveExpected {
			fx.removes = append(fx.removes, id)
		} else if base.State == models.StateWaiting {
			base.State = models.StateInProgress
		}
		r.opts.Metrics.recordAdmission(t.Direction(), fcp.ModeDisk.String())
		r.touchLocked(t, EventUpdated, &fx)
	}
	r.mu.Unlock()

	r.flush(fx)
}

// routeDirect marks the item direct and hands it to the direct worker.
func (r *Reconciler) routeDirect(job models.Transfer) {
	id := job.Base().GlobalID

	var fx effects
	r.mu.Lock()
	delete(r.admitting, id)
	t := r.lookupLocked(id, job.Direction())
	if t != nil && !t.Base().State.IsTerminal() {
		base := t.Base()
		if base.InternalRemoveExpected {
			// Cancelled before the node ever saw it.
			r.deleteLocked(t, &fx)
		} else {
			base.IsDirect = true
			r.pushDirectLocked(t, false, &fx)
			r.touchLocked(t, EventUpdated, &fx)
		}
	}
	r.mu.Unlock()

	r.flush(fx)
}

func (r *Reconciler) admissionFailed(job models.Transfer, err error) {
	id := job.Base().GlobalID

	var fx effects
	r.mu.Lock()
	delete(r.admitting, id)
	t := r.lookupLocked(id, job.Direction())
	if t != nil && !t.Base().State.IsTerminal() {
		var protoErr *fcp.ProtocolFailure
		switch {
		case t.Base().InternalRemoveExpected:
			r.deleteLocked(t, &fx)
		case errors.As(err, &protoErr):
			r.failLocked(t, err.Error(), models.FailureGeneric, &fx)
		default:
			r.nextAttempt[id] = r.opts.now().Add(r.opts.Interval)
			r.logger.Warn().Err(err).Str("global_id", id).Msg("admission failed")
		}
	}
	r.mu.Unlock()

	r.flush(fx)
}

// syncLocalModel picks up records written by other processes and cancels
// tracked items whose record was deleted.
func (r *Reconciler) syncLocalModel() {
	if r.opts.Store == nil {
		return
	}

	r.enqueueMu.Lock()
	defer r.enqueueMu.Unlock()

	r.mu.Lock()
	deletes := r.localDeletes
	r.mu.Unlock()

	r.writeLocal()
	records, err := r.opts.Store.ListTransfers()
	if err != nil {
		r.logger.Warn().Err(err).Msg("read local model failed")
		return
	}

	var fx effects
	r.mu.Lock()
	if r.localDeletes != deletes {
		// A record may have been listed just before its delete was applied.
		r.mu.Unlock()
		r.TriggerAdmission()
		return
	}

	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		base := record.Base()
		seen[base.GlobalID] = struct{}{}
		if r.lookupLocked(base.GlobalID, models.DirectionUnknown) != nil {
			continue
		}
		if _, ok := r.detached[base.GlobalID]; ok {
			continue
		}
		if base.State.IsTerminal() {
			r.detached[base.GlobalID] = struct{}{}
			continue
		}
		if base.IsExternal {
			continue
		}
		if base.InternalRemoveExpected {
			// Cancelled by a previous run before the node confirmed.
			r.queueDeleteLocked(base.GlobalID)
			fx.removes = append(fx.removes, base.GlobalID)
			continue
		}
		if !base.Priority.Valid() {
			base.Priority = r.defaultPriority(record.Direction())
		}
		base.InternalRemoveExpected = false
		r.insertLocked(record)
		fx.emit(EventAdded, record)
	}

	for _, t := range r.itemsLocked() {
		base := t.Base()
		if base.IsExternal {
			continue
		}
		if _, ok := seen[base.GlobalID]; !ok {
			r.cancelLocked(t, &fx)
		}
	}
	r.mu.Unlock()

	r.flush(fx)
}

// sweep drops cancelled items the node never confirmed and releases retries
// whose stale remote request was never reported removed.
func (r *Reconciler) sweep() {
	now := r.opts.now()

	var fx effects
	r.mu.Lock()
	for id, requestedAt := range r.cancelRequested {
		if now.Sub(requestedAt) < r.opts.CancelTimeout {
			continue
		}
		delete(r.cancelRequested, id)
		if t := r.lookupLocked(id, models.DirectionUnknown); t != nil {
			r.logger.Warn().Str("global_id", id).Msg("cancel not confirmed by node, dropping item")
			r.deleteLocked(t, &fx)
		}
	}
	for id, startedAt := range r.removing {
		if now.Sub(startedAt) >= r.opts.CancelTimeout {
			r.releaseRetryLocked(id)
		}
	}
	r.mu.Unlock()

	r.flush(fx)
}

func (r *Reconciler) requeuePulls() {
	now := r.opts.now()

	var fx effects
	r.mu.Lock()
	for id := range r.pulls {
		if _, member := r.directMembers[id]; member {
			continue
		}
		if next, ok := r.nextAttempt[id]; ok && now.Before(next) {
			continue
		}
		t := r.lookupLocked(id, models.DirectionDownload)
		if t == nil || t.Base().State.IsTerminal() {
			delete(r.pulls, id)
			continue
		}
		r.pushDirectLocked(t, true, &fx)
	}
	r.mu.Unlock()

	r.flush(fx)
}

func (r *Reconciler) observe() {
	if r.opts.Metrics == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, direction := range directions {
		inProgress, waiting := 0, 0
		for _, t := range r.itemsLocked() {
			base := t.Base()
			if t.Direction() != direction || base.IsExternal {
				continue
			}
			switch base.State {
			case models.StateInProgress:
				inProgress++
			case models.StateWaiting:
				waiting++
			}
		}
		r.opts.Metrics.observeCounts(direction, inProgress, waiting)
	}
}

func (r *Reconciler) ceiling(direction models.Direction) int {
	if direction == models.DirectionUpload {
		return r.opts.MaxActiveUploads
	}
	return r.opts.MaxActiveDownloads
}

// availableLocked returns the free admission slots, or -1 when unbounded.
// Items being admitted and direct jobs not yet started hold a slot.
func (r *Reconciler) availableLocked(direction models.Direction) int {
	ceiling := r.ceiling(direction)
	if ceiling <= 0 {
		return -1
	}
	used := 0
	for _, t := range r.itemsLocked() {
		base := t.Base()
		if t.Direction() != direction || base.IsExternal {
			continue
		}
		_, admitting := r.admitting[base.GlobalID]
		_, member := r.directMembers[base.GlobalID]
		switch {
		case base.State == models.StateInProgress:
			used++
		case admitting:
			used++
		case member && base.State == models.StateWaiting:
			used++
		}
	}
	if used >= ceiling {
		return 0
	}
	return ceiling - used
}

func (r *Reconciler) candidatesLocked(direction models.Direction, now time.Time) []models.Transfer {
	var out []models.Transfer
	for _, t := range r.itemsLocked() {
		base := t.Base()
		if t.Direction() != direction || base.IsExternal || base.State != models.StateWaiting || base.InternalRemoveExpected {
			continue
		}
		id := base.GlobalID
		if _, ok := r.admitting[id]; ok {
			continue
		}
		if _, ok := r.directMembers[id]; ok {
			continue
		}
		if _, ok := r.removing[id]; ok {
			continue
		}
		if next, ok := r.nextAttempt[id]; ok && now.Before(next) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (r *Reconciler) lookupLocked(globalID string, direction models.Direction) models.Transfer {
	if direction != models.DirectionUpload {
		if d, ok := r.downloads[globalID]; ok {
			return d
		}
	}
	if direction != models.DirectionDownload {
		if u, ok := r.uploads[globalID]; ok {
			return u
		}
	}
	return nil
}

func (r *Reconciler) itemsLocked() []models.Transfer {
	out := make([]models.Transfer, 0, len(r.downloads)+len(r.uploads))
	for _, d := range r.downloads {
		out = append(out, d)
	}
	for _, u := range r.uploads {
		out = append(out, u)
	}
	return out
}

func (r *Reconciler) insertLocked(t models.Transfer) {
	switch item := t.(type) {
	case *models.Download:
		r.downloads[item.GlobalID] = item
	case *models.Upload:
		r.uploads[item.GlobalID] = item
	}
}

func (r *Reconciler) unlinkLocked(t models.Transfer) {
	id := t.Base().GlobalID
	switch t.(type) {
	case *models.Download:
		delete(r.downloads, id)
	case *models.Upload:
		delete(r.uploads, id)
	}
	if _, member := r.directMembers[id]; member && r.direct.Remove(id) {
		delete(r.directMembers, id)
	}
	delete(r.admitting, id)
	delete(r.pulls, id)
	delete(r.nextAttempt, id)
	delete(r.cancelRequested, id)
}

// deleteLocked drops an item from memory and from the local model.
func (r *Reconciler) deleteLocked(t models.Transfer, fx *effects) {
	r.unlinkLocked(t)
	fx.trigger = true
	if !t.Base().IsExternal {
		r.queueDeleteLocked(t.Base().GlobalID)
	}
	fx.emit(EventRemoved, t)
}

// touchLocked stamps, persists and announces a change.
func (r *Reconciler) touchLocked(t models.Transfer, eventType EventType, fx *effects) {
	t.Base().LastUpdated = r.opts.now()
	r.queueSaveLocked(t)
	fx.emit(eventType, t)
}

// completeLocked marks the item Done and detaches it from the reconciler.
func (r *Reconciler) completeLocked(t models.Transfer, fx *effects) {
	base := t.Base()
	base.State = models.StateDone
	base.Progress.MarkSucceeded()
	base.ErrorDescription = ""
	base.InternalRemoveExpected = false
	r.opts.Metrics.recordCompletion(t.Direction())

	r.unlinkLocked(t)
	if !base.IsExternal {
		r.detached[base.GlobalID] = struct{}{}
		if d, ok := t.(*models.Download); ok && d.Digest == "" {
			fx.digests = append(fx.digests, d.Clone())
		}
	}
	r.touchLocked(t, EventDone, fx)
	fx.trigger = true
}

func (r *Reconciler) failLocked(t models.Transfer, description string, class models.FailureClass, fx *effects) {
	base := t.Base()
	base.State = models.StateFailed
	base.ErrorDescription = description
	delete(r.pulls, base.GlobalID)
	delete(r.nextAttempt, base.GlobalID)
	if _, member := r.directMembers[base.GlobalID]; member && r.direct.Remove(base.GlobalID) {
		delete(r.directMembers, base.GlobalID)
	}
	r.opts.Metrics.recordFailure(t.Direction(), class)
	r.touchLocked(t, EventFailed, fx)
	fx.trigger = true
}

// scheduleRetryLocked resets the item to Waiting and removes the stale node
// request. Re-admission waits for the removal and the retry limiter.
func (r *Reconciler) scheduleRetryLocked(t models.Transfer, description string, fx *effects) {
	base := t.Base()
	base.State = models.StateWaiting
	base.RetryCount++
	base.Progress = models.Progress{}
	base.IsDirect = false
	base.ErrorDescription = description
	delete(r.pulls, base.GlobalID)
	r.removing[base.GlobalID] = r.opts.now()
	r.opts.Metrics.recordRetry(t.Direction())
	r.touchLocked(t, EventUpdated, fx)
	fx.retries = append(fx.retries, base.GlobalID)
}

func (r *Reconciler) releaseRetryLocked(id string) {
	if _, ok := r.removing[id]; !ok {
		return
	}
	delete(r.removing, id)
	delay := r.limiter.Reserve().Delay()
	r.nextAttempt[id] = r.opts.now().Add(delay)
}

func (r *Reconciler) pushDirectLocked(t models.Transfer, pull bool, fx *effects) {
	id := t.Base().GlobalID
	if pull {
		// Recorded even while a job is in flight so finishDirect or
		// requeuePulls can hand the pull over later.
		r.pulls[id] = struct{}{}
	}
	if _, member := r.directMembers[id]; member {
		return
	}
	if r.directStopped {
		r.failLocked(t, errDirectWorkerStopped.Error(), models.FailureGeneric, fx)
		return
	}
	if !r.direct.Push(directJob{transfer: t.Clone(), pull: pull}) {
		if r.ctx.Err() == nil {
			r.failLocked(t, errDirectWorkerStopped.Error(), models.FailureGeneric, fx)
		}
		return
	}
	r.directMembers[id] = struct{}{}
}

// flush performs the side effects collected under the lock.
func (r *Reconciler) flush(fx effects) {
	for _, event := range fx.events {
		r.emit(event)
	}
	for _, change := range fx.modifies {
		change := change
		r.goCommand("modify priority", change.identifier, func(ctx context.Context) error {
			return r.opts.Node.ModifyPriority(ctx, change.identifier, change.priority)
		})
	}
	for _, id := range fx.removes {
		id := id
		r.goCommand("remove request", id, func(ctx context.Context) error {
			return r.opts.Node.RemoveRequest(ctx, id)
		})
	}
	for _, id := range fx.retries {
		id := id
		r.goCommand("remove stale request", id, func(ctx context.Context) error {
			err := r.opts.Node.RemoveRequest(ctx, id)
			if err != nil {
				r.mu.Lock()
				r.releaseRetryLocked(id)
				r.mu.Unlock()
				r.TriggerAdmission()
			}
			return err
		})
	}
	for _, t := range fx.digests {
		t := t
		r.goTracked(func() { r.recordDigest(t) })
	}
	if fx.trigger {
		r.TriggerAdmission()
	}
}

func (r *Reconciler) emit(event Event) {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	select {
	case r.events <- event:
	default:
		r.logger.Debug().Str("type", string(event.Type)).Str("global_id", event.Transfer.Base().GlobalID).Msg("event dropped")
	}
}

func (r *Reconciler) goTracked(fn func()) {
	r.goMu.Lock()
	defer r.goMu.Unlock()
	if r.stopping {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Reconciler) goCommand(name, identifier string, fn func(ctx context.Context) error) {
	r.goTracked(func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.CommandTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn().Err(err).Str("global_id", identifier).Msgf("%s failed", name)
		}
	})
}

// recordDigest hashes a completed download and stores the digest with its
// record. The item is detached by then, so only the local model changes.
func (r *Reconciler) recordDigest(t models.Transfer) {
	d, ok := t.(*models.Download)
	if !ok {
		return
	}
	digest, err := crypto.FileDigest(d.TargetPath)
	if err != nil {
		r.logger.Warn().Err(err).Str("global_id", d.GlobalID).Msg("digest completed download failed")
		return
	}
	d.Digest = digest

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.detached[d.GlobalID]; !ok {
		return
	}
	r.queueSaveLocked(d)
}
