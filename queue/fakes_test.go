package queue

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"fcpqueue/fcp"
	"fcpqueue/models"
)

// fakeNode records commands and answers them from test-provided hooks.
type fakeNode struct {
	mu sync.Mutex

	refuseDDA bool
	addErr    error

	gets     []fcp.PersistentRequest
	puts     []fcp.PersistentRequest
	removed  []string
	modified []priorityChange
	stores   []fcp.StoreRequest
	pulled   []string
	listed   []models.RemoteRecord

	onAdd     func(req fcp.PersistentRequest)
	onRemove  func(identifier string)
	fetchData func(identifier, path string) (int64, error)
	store     func(req fcp.StoreRequest) (*fcp.StoreResult, error)
}

func (n *fakeNode) AddPersistentGet(_ context.Context, req fcp.PersistentRequest) error {
	n.mu.Lock()
	if req.Mode == fcp.ModeDisk && n.refuseDDA {
		n.mu.Unlock()
		return fcp.ErrDDARefused
	}
	if n.addErr != nil {
		n.mu.Unlock()
		return n.addErr
	}
	n.gets = append(n.gets, req)
	onAdd := n.onAdd
	n.mu.Unlock()

	if onAdd != nil {
		onAdd(req)
	}
	return nil
}

func (n *fakeNode) AddPersistentPut(_ context.Context, req fcp.PersistentRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.Mode == fcp.ModeDisk && n.refuseDDA {
		return fcp.ErrDDARefused
	}
	if n.addErr != nil {
		return n.addErr
	}
	n.puts = append(n.puts, req)
	return nil
}

func (n *fakeNode) RemoveRequest(_ context.Context, identifier string) error {
	n.mu.Lock()
	n.removed = append(n.removed, identifier)
	onRemove := n.onRemove
	n.mu.Unlock()

	if onRemove != nil {
		onRemove(identifier)
	}
	return nil
}

func (n *fakeNode) ModifyPriority(_ context.Context, identifier string, priority models.Priority) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modified = append(n.modified, priorityChange{identifier: identifier, priority: priority})
	return nil
}

func (n *fakeNode) FetchPersistentData(_ context.Context, identifier, path string) (int64, error) {
	n.mu.Lock()
	n.pulled = append(n.pulled, identifier)
	fetch := n.fetchData
	n.mu.Unlock()

	if fetch == nil {
		return 0, errors.New("no data")
	}
	return fetch(identifier, path)
}

func (n *fakeNode) Store(_ context.Context, req fcp.StoreRequest) (*fcp.StoreResult, error) {
	n.mu.Lock()
	n.stores = append(n.stores, req)
	store := n.store
	n.mu.Unlock()

	if store == nil {
		return nil, errors.New("store not configured")
	}
	return store(req)
}

func (n *fakeNode) ListQueue(context.Context) ([]models.RemoteRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.RemoteRecord(nil), n.listed...), nil
}

func (n *fakeNode) getCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.gets)
}

func (n *fakeNode) lastGet() (fcp.PersistentRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.gets) == 0 {
		return fcp.PersistentRequest{}, false
	}
	return n.gets[len(n.gets)-1], true
}

func (n *fakeNode) pullCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pulled)
}

func (n *fakeNode) removedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.removed...)
}

func (n *fakeNode) storeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.stores)
}

// memoryModel is an in-memory LocalModel.
type memoryModel struct {
	mu      sync.Mutex
	records map[string]models.Transfer

	// saveGate, when set, holds every SaveTransfer until it is closed.
	saveGate chan struct{}
}

func newMemoryModel() *memoryModel {
	return &memoryModel{records: make(map[string]models.Transfer)}
}

func (m *memoryModel) SaveTransfer(t models.Transfer) error {
	m.mu.Lock()
	gate := m.saveGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[t.Base().GlobalID] = t.Clone()
	return nil
}

func (m *memoryModel) DeleteTransfer(globalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, globalID)
	return nil
}

func (m *memoryModel) ListTransfers() ([]models.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Transfer, 0, len(m.records))
	for _, t := range m.records {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base().GlobalID < out[j].Base().GlobalID })
	return out, nil
}

func (m *memoryModel) setSaveGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveGate = gate
}

func (m *memoryModel) get(globalID string) (models.Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.records[globalID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestReconciler starts a reconciler whose passes only run when triggered.
func newTestReconciler(t *testing.T, node *fakeNode, store *memoryModel, configure func(*Options)) *Reconciler {
	t.Helper()

	opts := Options{
		Node:     node,
		Sequence: fcp.NewSequence(1),
		DDA:      true,
		Interval: time.Hour,
	}
	if store != nil {
		opts.Store = store
	}
	if configure != nil {
		configure(&opts)
	}

	r, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func itemState(r *Reconciler, globalID string) (models.Item, bool) {
	t, ok := r.Get(globalID)
	if !ok {
		return models.Item{}, false
	}
	return *t.Base(), true
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func createFixtureFile(t *testing.T, path string, size int) {
	t.Helper()

	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
}
