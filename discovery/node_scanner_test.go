package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestNodeScannerManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("node-a", 9481, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("node-b", 9482, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewNodeScanner(cfg)
	if err != nil {
		t.Fatalf("NewNodeScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		nodes := scanner.ListNodes()
		return len(nodes) == 1 && nodes[0].Instance == "node-a"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	nodes := scanner.ListNodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes after refresh, got %d", len(nodes))
	}
	if got := nodes[1].Address(); got != "10.0.0.3:9482" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestNodeScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("node-a", 9481, "10.0.0.2")
			}
			entries <- testServiceEntry("node-b", 9482, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewNodeScanner(cfg)
	if err != nil {
		t.Fatalf("NewNodeScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		nodes := scanner.ListNodes()
		return len(nodes) == 1 && nodes[0].Instance == "node-b"
	})

	if !waitForEvent(scanner.Events(), EventNodeRemoved, "node-a", 2*time.Second) {
		t.Fatalf("expected removal event for node-a")
	}
}

func TestDiscoverIgnoresDeadlineExceededAndClosedChannel(t *testing.T) {
	cfg := Config{
		ScanTimeout: 35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("node-a", 9481, "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{ServiceRecord: zeroconf.ServiceRecord{Instance: "no-port"}}
			close(entries)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	nodes, err := Discover(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Instance != "node-a" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if nodes[0].Version != "2.0" {
		t.Fatalf("expected version from TXT record, got %q", nodes[0].Version)
	}
}

func TestDiscoveredNodeAddressFallsBackToHostName(t *testing.T) {
	node := DiscoveredNode{HostName: "freenet.local.", Port: 9481}
	if got := node.Address(); got != "freenet.local:9481" {
		t.Fatalf("unexpected address %q", got)
	}
}

func testServiceEntry(instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text:     []string{"version=2.0"},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, instance string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Node.Instance == instance {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
