package fcp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"fcpqueue/models"
)

func TestHandshakeReturnsNodeHello(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		hello := conn.expect(VerbClientHello)
		if !strings.HasPrefix(hello.String("Name"), "tester-") {
			t.Errorf("unexpected client name %q", hello.String("Name"))
		}
		conn.send(NewMessage(VerbNodeHello).Set("FCPVersion", "2.0").SetInt("Build", 1501))
	})
	client := node.client(ClientOptions{ClientName: "tester"})

	hello, err := client.Handshake(context.Background())
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if hello.FCPVersion != "2.0" || hello.Build != 1501 {
		t.Fatalf("unexpected hello %+v", hello)
	}
}

func TestHandshakeRejectsUnexpectedVerb(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.expect(VerbClientHello)
		conn.send(NewMessage(VerbProtocolError).SetInt("Code", 1))
	})
	client := node.client(ClientOptions{})

	_, err := client.Handshake(context.Background())
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
}

func TestHandshakeWithoutResponseFails(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.expect(VerbClientHello)
	})
	client := node.client(ClientOptions{})

	_, err := client.Handshake(context.Background())
	if !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
}

func TestFetchDirectWritesExactPayload(t *testing.T) {
	payload := fixtureBytes(500)
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		get := conn.expect(VerbClientGet)
		conn.expectField(get, "URI", "CHK@abc/file.bin")
		conn.expectField(get, "MaxSize", "1000")
		conn.expectField(get, "ReturnType", "direct")
		conn.expectField(get, "MaxRetries", "1")
		conn.expectField(get, "PriorityClass", "3")
		identifier := get.String("Identifier")

		conn.send(NewMessage(VerbSimpleProgress).
			Set("Identifier", identifier).
			SetInt("Total", 10).
			SetInt("Required", 8).
			SetInt("Succeeded", 4))
		conn.sendPayload(NewMessage(VerbAllData).
			Set("Identifier", identifier).
			SetInt("DataLength", int64(len(payload))), payload)
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})
	target := filepath.Join(t.TempDir(), "file.bin")

	var progressCalls atomic.Int32
	result, err := client.Fetch(context.Background(), FetchRequest{
		Key:        "CHK@abc/file.bin",
		TargetPath: target,
		MaxSize:    1000,
		Progress: func(p models.Progress) {
			if p.DoneBlocks != 4 || p.TotalBlocks != 10 {
				t.Errorf("unexpected progress %+v", p)
			}
			progressCalls.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.DataLength != 500 || !result.Direct {
		t.Fatalf("unexpected result %+v", result)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("target has %d bytes, want exactly the 500 announced", len(got))
	}
	if progressCalls.Load() != 1 {
		t.Fatalf("expected one progress callback, got %d", progressCalls.Load())
	}
}

func TestFetchShortPayloadRemovesTarget(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		get := conn.expect(VerbClientGet)
		header := NewMessage(VerbAllData).
			Set("Identifier", get.String("Identifier")).
			SetInt("DataLength", 500)
		header.End = EndData
		conn.send(header)
		// Only part of the payload, then the stream ends.
		_, _ = conn.conn.Write(fixtureBytes(200))
	})
	client := node.client(ClientOptions{})
	target := filepath.Join(t.TempDir(), "file.bin")

	_, err := client.Fetch(context.Background(), FetchRequest{Key: "CHK@abc/file.bin", TargetPath: target})
	if err == nil {
		t.Fatalf("expected failure for truncated stream")
	}
	if _, statErr := os.Stat(target); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected partial target to be removed, stat err=%v", statErr)
	}
}

func TestFetchNotFoundIsClassified(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		get := conn.expect(VerbClientGet)
		conn.send(NewMessage(VerbGetFailed).
			Set("Identifier", get.String("Identifier")).
			SetInt("Code", FetchCodeAllDataNotFound).
			Set("CodeDescription", "All data not found").
			SetBool("Fatal", true))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	_, err := client.Fetch(context.Background(), FetchRequest{
		Key:        "CHK@missing",
		TargetPath: filepath.Join(t.TempDir(), "missing.bin"),
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not-found failure, got %v", err)
	}
	var failure *NodeFailure
	if !errors.As(err, &failure) || !failure.Fatal || failure.Code != FetchCodeAllDataNotFound {
		t.Fatalf("unexpected failure detail %+v", failure)
	}
}

func TestFetchUsesDiskWhenAccessGranted(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	if err := os.WriteFile(target, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write stale target: %v", err)
	}

	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		request := conn.expect(VerbTestDDARequest)
		conn.expectField(request, "WantWriteDirectory", "true")
		probe := filepath.Join(request.String("Directory"), "dda-probe.tmp")
		conn.send(NewMessage(VerbTestDDAReply).
			Set("Directory", request.String("Directory")).
			Set("WriteFilename", probe).
			Set("ContentToWrite", "token-123"))

		conn.expect(VerbTestDDAResponse)
		content, err := os.ReadFile(probe)
		allowed := err == nil && string(content) == "token-123"
		conn.send(NewMessage(VerbTestDDAComplete).
			Set("Directory", request.String("Directory")).
			SetBool("WriteDirectoryAllowed", allowed))

		get := conn.expect(VerbClientGet)
		conn.expectField(get, "ReturnType", "disk")
		conn.expectField(get, "Filename", target)
		conn.expectField(get, "TempFilename", target+tempSuffix)
		if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("existing target must be removed before a disk fetch")
		}
		conn.send(NewMessage(VerbDataFound).
			Set("Identifier", get.String("Identifier")).
			SetInt("DataLength", 3).
			Set("Metadata.ContentType", "text/plain"))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{DDA: true})

	result, err := client.Fetch(context.Background(), FetchRequest{Key: "CHK@abc", TargetPath: target})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Direct || result.ContentType != "text/plain" || result.DataLength != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "dda-probe.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("probe file should be cleaned up")
	}
}

func TestStoreDirectStreamsFileAndExtractsKey(t *testing.T) {
	source := createFixtureFile(t, t.TempDir(), "name.bin", 1234)
	want, _ := os.ReadFile(source)

	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		put := conn.expect(VerbClientPut)
		conn.expectField(put, "UploadFrom", "direct")
		conn.expectField(put, "DataLength", "1234")
		conn.expectField(put, "TargetFilename", "name.bin")
		if !put.HasPayload() {
			t.Errorf("direct upload must use the payload terminator")
		}
		got := conn.readPayload(1234)
		if !bytes.Equal(got, want) {
			t.Errorf("node received different bytes")
		}
		conn.send(NewMessage(VerbPutSuccessful).
			Set("Identifier", put.String("Identifier")).
			Set("URI", "freenet:CHK@xyz/name.bin "))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	result, err := client.Store(context.Background(), StoreRequest{Key: "CHK@", SourcePath: source})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if result.URI != "CHK@xyz/name.bin" || !result.Direct {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestStorePreSharedOmitsTargetFilename(t *testing.T) {
	source := createFixtureFile(t, t.TempDir(), "shared.bin", 16)
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		put := conn.expect(VerbClientPut)
		if put.Has("TargetFilename") {
			t.Errorf("pre-shared insert must not carry TargetFilename")
		}
		conn.readPayload(16)
		conn.send(NewMessage(VerbPutSuccessful).Set("URI", "CHK@shared"))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	if _, err := client.Store(context.Background(), StoreRequest{Key: "CHK@", SourcePath: source, PreShared: true}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
}

func TestStoreCollisionIsNotRetried(t *testing.T) {
	source := createFixtureFile(t, t.TempDir(), "page.html", 64)
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		put := conn.expect(VerbClientPut)
		conn.readPayload(64)
		conn.send(NewMessage(VerbPutFailed).
			Set("Identifier", put.String("Identifier")).
			SetInt("Code", InsertCodeCollision).
			Set("CodeDescription", "Insert collided with different, pre-existing data at the same key").
			SetBool("Fatal", false))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	_, err := client.Store(context.Background(), StoreRequest{Key: "KSK@page", SourcePath: source})
	var failure *NodeFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected NodeFailure, got %v", err)
	}
	if failure.Class != models.FailureCollision || failure.Fatal {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if node.dials.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", node.dials.Load())
	}
}

func TestGenerateAddressStopsAtURIGenerated(t *testing.T) {
	source := createFixtureFile(t, t.TempDir(), "notes.html", 32)
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		put := conn.expect(VerbClientPut)
		conn.expectField(put, "GetCHKOnly", "true")
		if !strings.HasPrefix(put.String("Metadata.ContentType"), "text/html") {
			t.Errorf("unexpected content type %q", put.String("Metadata.ContentType"))
		}
		conn.readPayload(32)
		conn.send(NewMessage(VerbURIGenerated).
			Set("Identifier", put.String("Identifier")).
			Set("URI", "CHK@generated/notes.html"))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	uri, err := client.GenerateAddress(context.Background(), source)
	if err != nil {
		t.Fatalf("GenerateAddress failed: %v", err)
	}
	if uri != "CHK@generated/notes.html" {
		t.Fatalf("unexpected address %q", uri)
	}
}

func TestGenerateKeypairTrimsAddresses(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		request := conn.expect(VerbGenerateSSK)
		conn.send(NewMessage(VerbSSKKeypair).
			Set("Identifier", request.String("Identifier")).
			Set("InsertURI", "freenet:SSK@private,key/").
			Set("RequestURI", "SSK@public,key/"))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	pair, err := client.GenerateKeypair(context.Background())
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	if pair.InsertURI != "SSK@private,key" || pair.RequestURI != "SSK@public,key" {
		t.Fatalf("unexpected keypair %+v", pair)
	}
}

func TestIsPluginTalkable(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, index int) {
		conn.hello()
		request := conn.expect(VerbGetPluginInfo)
		conn.expectField(request, "PluginName", "plugins.Freetalk.Freetalk")
		if index == 1 {
			conn.send(NewMessage(VerbPluginInfo).SetBool("IsTalkable", true))
		} else {
			conn.send(NewMessage(VerbProtocolError).SetInt("Code", 32))
		}
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	if !client.IsPluginTalkable(context.Background(), "plugins.Freetalk.Freetalk") {
		t.Fatalf("expected plugin to be talkable")
	}
	if client.IsPluginTalkable(context.Background(), "plugins.Freetalk.Freetalk") {
		t.Fatalf("protocol error must report not talkable")
	}
}

func TestPersistentGetDirectIsAcknowledged(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		get := conn.expect(VerbClientGet)
		conn.expectField(get, "Identifier", "get-5")
		conn.expectField(get, "Persistence", "forever")
		conn.expectField(get, "Global", "true")
		conn.expectField(get, "ReturnType", "direct")
		conn.expectField(get, "PriorityClass", "2")
		conn.send(NewMessage(VerbPersistentGet).Set("Identifier", "get-5").Set("ReturnType", "direct"))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	err := client.AddPersistentGet(context.Background(), PersistentRequest{
		Identifier: "get-5",
		Key:        "CHK@abc",
		Path:       filepath.Join(t.TempDir(), "abc.bin"),
		Priority:   models.PrioritySemiInteractive,
		Mode:       ModeDirect,
	})
	if err != nil {
		t.Fatalf("AddPersistentGet failed: %v", err)
	}
}

func TestPersistentGetDiskRefusedWithoutAccess(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		conn.waitClosed()
	})
	client := node.client(ClientOptions{DDA: false})

	err := client.AddPersistentGet(context.Background(), PersistentRequest{
		Identifier: "get-6",
		Key:        "CHK@abc",
		Path:       filepath.Join(t.TempDir(), "abc.bin"),
		Mode:       ModeDisk,
	})
	if !errors.Is(err, ErrDDARefused) {
		t.Fatalf("expected ErrDDARefused, got %v", err)
	}
}

func TestPersistentPutIdentifierCollision(t *testing.T) {
	source := createFixtureFile(t, t.TempDir(), "a.bin", 10)
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		request := conn.expect(VerbTestDDARequest)
		conn.expectField(request, "WantReadDirectory", "true")
		conn.send(NewMessage(VerbTestDDAReply).
			Set("Directory", request.String("Directory")).
			Set("ReadFilename", source))
		conn.expect(VerbTestDDAResponse)
		conn.send(NewMessage(VerbTestDDAComplete).
			Set("Directory", request.String("Directory")).
			SetBool("ReadDirectoryAllowed", true))

		put := conn.expect(VerbClientPut)
		conn.expectField(put, "UploadFrom", "disk")
		conn.expectField(put, "Filename", source)
		conn.send(NewMessage(VerbIdentifierCollision).Set("Identifier", put.String("Identifier")))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	err := client.AddPersistentPut(context.Background(), PersistentRequest{
		Identifier: "put-1",
		Key:        "CHK@",
		Path:       source,
		Mode:       ModeDisk,
	})
	var failure *ProtocolFailure
	if !errors.As(err, &failure) || failure.Verb != VerbIdentifierCollision {
		t.Fatalf("expected identifier collision, got %v", err)
	}
}

func TestPersistentPutRejectsDirectMode(t *testing.T) {
	source := createFixtureFile(t, t.TempDir(), "a.bin", 10)
	client := NewClient(ClientOptions{Address: "127.0.0.1:1"})

	err := client.AddPersistentPut(context.Background(), PersistentRequest{
		Identifier: "put-2",
		Key:        "CHK@",
		Path:       source,
		Mode:       ModeDirect,
	})
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}

func TestFetchPersistentDataWritesPayload(t *testing.T) {
	payload := fixtureBytes(300)
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		status := conn.expect(VerbGetRequestStatus)
		conn.expectField(status, "Identifier", "get-9")
		conn.expectField(status, "OnlyData", "true")
		conn.expectField(status, "Global", "true")
		conn.sendPayload(NewMessage(VerbAllData).
			Set("Identifier", "get-9").
			SetInt("DataLength", int64(len(payload))), payload)
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})
	target := filepath.Join(t.TempDir(), "out.bin")

	n, err := client.FetchPersistentData(context.Background(), "get-9", target)
	if err != nil {
		t.Fatalf("FetchPersistentData failed: %v", err)
	}
	if n != 300 {
		t.Fatalf("unexpected length %d", n)
	}
	info, err := os.Stat(target)
	if err != nil || info.Size() != 300 {
		t.Fatalf("unexpected target state: %v", err)
	}
}

func TestListQueueCollectsRecords(t *testing.T) {
	node := newFakeNode(t, func(conn *nodeConn, _ int) {
		conn.hello()
		conn.expect(VerbWatchGlobal)
		conn.expect(VerbListPersistentRequests)
		conn.send(NewMessage(VerbPersistentGet).
			Set("Identifier", "get-1").
			Set("URI", "CHK@a").
			SetInt("PriorityClass", 4).
			Set("ReturnType", "direct"))
		conn.send(NewMessage(VerbPersistentPut).
			Set("Identifier", "put-1").
			Set("URI", "CHK@").
			SetInt("PriorityClass", 2).
			Set("UploadFrom", "disk"))
		conn.send(NewMessage(VerbSimpleProgress).
			Set("Identifier", "get-1").
			SetInt("Total", 20).
			SetInt("Required", 10).
			SetInt("Succeeded", 5))
		conn.send(NewMessage(VerbEndListPersistentRequests))
		conn.waitClosed()
	})
	client := node.client(ClientOptions{})

	records, err := client.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	get := records[0]
	if get.Identifier != "get-1" || get.Direction != models.DirectionDownload || !get.Direct {
		t.Fatalf("unexpected download record %+v", get)
	}
	if get.Progress == nil || get.Progress.DoneBlocks != 5 || get.Priority != models.PriorityBulk {
		t.Fatalf("progress was not merged into the listing: %+v", get)
	}
	put := records[1]
	if put.Direction != models.DirectionUpload || put.Direct || put.Priority != models.PrioritySemiInteractive {
		t.Fatalf("unexpected upload record %+v", put)
	}
}
