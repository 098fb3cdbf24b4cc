package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventNodeUpserted is emitted when a node appears or its endpoint changes.
	EventNodeUpserted EventType = "node_upserted"
	// EventNodeRemoved is emitted when a previously seen node disappears.
	EventNodeRemoved EventType = "node_removed"
)

// EventType identifies node discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type EventType
	Node DiscoveredNode
}

// DiscoveredNode is an FCP endpoint found on the LAN.
type DiscoveredNode struct {
	Instance  string
	HostName  string
	Port      int
	Version   string
	Addresses []string
	LastSeen  time.Time
}

// Address returns host:port for the first advertised address, falling back to
// the host name.
func (n DiscoveredNode) Address() string {
	host := strings.TrimSuffix(n.HostName, ".")
	if len(n.Addresses) > 0 {
		host = n.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(n.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// NodeScanner discovers FCP nodes with periodic and manual mDNS browse operations.
type NodeScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	nodes map[string]DiscoveredNode

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewNodeScanner creates a scanner with config defaults applied.
func NewNodeScanner(config Config) (*NodeScanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	return &NodeScanner{
		cfg:             cfg,
		browse:          browse,
		nodes:           make(map[string]DiscoveredNode),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *NodeScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes the event channel.
func (s *NodeScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *NodeScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *NodeScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("node scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("node scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("node scanner is stopped")
	}
}

// ListNodes returns the current snapshot ordered by instance name.
func (s *NodeScanner) ListNodes() []DiscoveredNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	sortNodes(out)
	return out
}

// Discover runs one scan window and returns the nodes seen.
func Discover(ctx context.Context, config Config) ([]DiscoveredNode, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	found, err := scan(scanCtx, browse, cfg)
	if err != nil {
		return nil, err
	}
	out := make([]DiscoveredNode, 0, len(found))
	for _, node := range found {
		out = append(out, node)
	}
	sortNodes(out)
	return out, nil
}

func (s *NodeScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *NodeScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	next, err := scan(scanCtx, s.browse, s.cfg)
	if err != nil {
		return err
	}
	s.applySnapshot(next)
	return nil
}

// scan collects entries until ctx ends. A deadline just closes the window.
func scan(ctx context.Context, browse browseFunc, cfg Config) (map[string]DiscoveredNode, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredNode)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				node, ok := parseEntry(entry)
				if !ok {
					continue
				}
				node.LastSeen = time.Now()
				collectedMu.Lock()
				collected[node.Instance] = node
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := browse(ctx, cfg.Service, cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return nil, browseErr
	}

	<-ctx.Done()
	<-collectorDone
	collectedMu.Lock()
	defer collectedMu.Unlock()
	return collected, nil
}

func (s *NodeScanner) applySnapshot(next map[string]DiscoveredNode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.nodes
	s.nodes = next

	for instance, node := range next {
		old, exists := previous[instance]
		if !exists || !nodesEqual(old, node) {
			s.emitEvent(Event{Type: EventNodeUpserted, Node: node})
		}
	}

	for instance, node := range previous {
		if _, exists := next[instance]; !exists {
			s.emitEvent(Event{Type: EventNodeRemoved, Node: node})
		}
	}
}

func (s *NodeScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredNode, bool) {
	if entry.Port <= 0 {
		return DiscoveredNode{}, false
	}
	txt := txtToMap(entry.Text)

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		instance = strings.TrimSpace(entry.HostName)
	}
	if instance == "" || (len(addresses) == 0 && entry.HostName == "") {
		return DiscoveredNode{}, false
	}

	return DiscoveredNode{
		Instance:  instance,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Version:   txt["version"],
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func sortNodes(nodes []DiscoveredNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Instance < nodes[j].Instance
	})
}

func nodesEqual(a, b DiscoveredNode) bool {
	if a.Instance != b.Instance ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Version != b.Version ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
