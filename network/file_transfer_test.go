package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	return data
}

func TestSendFileDeliversIdenticalContent(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	// Three full chunks plus a partial tail.
	data := randomBytes(t, 3*32*1024+1234)
	source := writeTempFile(t, "payload.bin", data)

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	transferID, err := a.SendFile("peer-b", source)
	if err != nil {
		t.Fatalf("send file: %v", err)
	}

	received := waitForEvent(t, b, EventTransferComplete)
	if received.Transfer.ID != transferID {
		t.Fatalf("transfer id mismatch: %q vs %q", received.Transfer.ID, transferID)
	}
	if received.Transfer.Direction != DirectionReceive {
		t.Fatalf("expected receive direction, got %s", received.Transfer.Direction)
	}

	sent := waitForEvent(t, a, EventTransferComplete)
	if sent.Transfer.Direction != DirectionSend || sent.Transfer.BytesDone != int64(len(data)) {
		t.Fatalf("unexpected sender completion %+v", sent.Transfer)
	}

	got, err := os.ReadFile(received.Transfer.Path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received file differs from source")
	}
	if filepath.Base(received.Transfer.Path) != "payload.bin" {
		t.Fatalf("unexpected destination name %q", received.Transfer.Path)
	}
}

func TestReceiveCollisionGetsFreshName(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	existing := filepath.Join(b.options.DownloadDir, "data.bin")
	if err := os.MkdirAll(b.options.DownloadDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(existing, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("seed existing file: %v", err)
	}

	source := writeTempFile(t, "data.bin", []byte("new content"))
	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.SendFile("peer-b", source); err != nil {
		t.Fatalf("send file: %v", err)
	}

	received := waitForEvent(t, b, EventTransferComplete)
	if filepath.Base(received.Transfer.Path) != "data_1.bin" {
		t.Fatalf("expected collision-free name data_1.bin, got %q", received.Transfer.Path)
	}

	kept, err := os.ReadFile(existing)
	if err != nil || string(kept) != "keep me" {
		t.Fatalf("existing file was disturbed: %q %v", kept, err)
	}
	fresh, err := os.ReadFile(received.Transfer.Path)
	if err != nil || string(fresh) != "new content" {
		t.Fatalf("received file wrong: %q %v", fresh, err)
	}
}

func TestSendFileWithBlake2bChecksum(t *testing.T) {
	a, err := NewManager(ManagerOptions{
		Identity:          LocalIdentity{ID: "peer-a", Nickname: "alice"},
		ListenAddress:     "127.0.0.1:0",
		DownloadDir:       t.TempDir(),
		ChunkSize:         16 * 1024,
		ChecksumAlgorithm: AlgorithmBLAKE2b,
		ReadPollInterval:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(a.Stop)

	b := newTestManager(t, "peer-b", "bob")

	data := randomBytes(t, 40*1024)
	source := writeTempFile(t, "hashed.bin", data)

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.SendFile("peer-b", source); err != nil {
		t.Fatalf("send file: %v", err)
	}

	received := waitForEvent(t, b, EventTransferComplete)
	got, err := os.ReadFile(received.Transfer.Path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received file differs from source")
	}
	waitForEvent(t, a, EventTransferComplete)
}

func TestSendFileValidatesArguments(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	if _, err := a.SendFile("ghost", "nope.bin"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.SendFile("peer-b", filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatal("expected error for missing source file")
	}
	if _, err := a.SendFile("peer-b", t.TempDir()); err == nil {
		t.Fatal("expected error for directory source")
	}
}

func TestQueuedTransfersRunSequentially(t *testing.T) {
	a := newTestManager(t, "peer-a", "alice")
	b := newTestManager(t, "peer-b", "bob")

	first := writeTempFile(t, "first.bin", randomBytes(t, 50*1024))
	second := writeTempFile(t, "second.bin", randomBytes(t, 50*1024))

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	firstID, err := a.SendFile("peer-b", first)
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	secondID, err := a.SendFile("peer-b", second)
	if err != nil {
		t.Fatalf("send second: %v", err)
	}

	done1 := waitForEvent(t, a, EventTransferComplete)
	done2 := waitForEvent(t, a, EventTransferComplete)
	if done1.Transfer.ID != firstID || done2.Transfer.ID != secondID {
		t.Fatalf("transfers finished out of order: %q then %q", done1.Transfer.ID, done2.Transfer.ID)
	}
}

// rawPeer establishes a handshaked session with a manager, acting as a
// protocol-level peer for violation tests.
func rawPeer(t *testing.T, target *Manager, id, nickname string) *PeerConnection {
	t.Helper()

	conn, err := Dial(target.Addr().String(), testOptions(id, nickname))
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func expectFileError(t *testing.T, conn *PeerConnection, transferID, reasonPart string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("waiting for file error: %v", err)
		}
		fileErr, ok := msg.(FileError)
		if !ok {
			continue
		}
		if fileErr.TransferID != transferID {
			continue
		}
		if !strings.Contains(fileErr.Reason, reasonPart) {
			t.Fatalf("expected reason containing %q, got %q", reasonPart, fileErr.Reason)
		}
		return
	}
}

func TestSecondFileInitWhileBusyIsRefused(t *testing.T) {
	b := newTestManager(t, "peer-b", "bob")
	client := rawPeer(t, b, "peer-x", "xavier")

	data := []byte("payload bytes")
	if err := client.Send(FileInit{
		TransferID: "xfer-active",
		FileName:   "active.bin",
		TotalSize:  int64(len(data)),
		ChunkSize:  len(data),
		Algorithm:  AlgorithmSHA256,
	}); err != nil {
		t.Fatalf("send first init: %v", err)
	}

	if err := client.Send(FileInit{
		TransferID: "xfer-rejected",
		FileName:   "rejected.bin",
		TotalSize:  10,
		ChunkSize:  10,
		Algorithm:  AlgorithmSHA256,
	}); err != nil {
		t.Fatalf("send second init: %v", err)
	}
	expectFileError(t, client, "xfer-rejected", "in progress")

	// The active transfer is unaffected and still completes.
	if err := client.Send(FileChunk{TransferID: "xfer-active", Sequence: 0, Data: data}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	sum := sha256.Sum256(data)
	if err := client.Send(FileEnd{TransferID: "xfer-active", Checksum: hex.EncodeToString(sum[:])}); err != nil {
		t.Fatalf("send end: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		msg, err := client.Receive(ctx)
		if err != nil {
			t.Fatalf("waiting for ack: %v", err)
		}
		if ack, ok := msg.(FileAck); ok {
			if ack.TransferID != "xfer-active" || ack.Status != "ok" {
				t.Fatalf("unexpected ack %+v", ack)
			}
			break
		}
	}
}

func TestOutOfOrderChunkAbortsTransfer(t *testing.T) {
	b := newTestManager(t, "peer-b", "bob")
	client := rawPeer(t, b, "peer-x", "xavier")

	if err := client.Send(FileInit{
		TransferID: "xfer-gap",
		FileName:   "gap.bin",
		TotalSize:  100,
		ChunkSize:  10,
		Algorithm:  AlgorithmSHA256,
	}); err != nil {
		t.Fatalf("send init: %v", err)
	}
	waitForEvent(t, b, EventTransferStarted)

	if err := client.Send(FileChunk{TransferID: "xfer-gap", Sequence: 1, Data: make([]byte, 10)}); err != nil {
		t.Fatalf("send out-of-order chunk: %v", err)
	}
	expectFileError(t, client, "xfer-gap", "out of order")

	failed := waitForEvent(t, b, EventTransferFailed)
	if !errors.Is(failed.Err, ErrChunkOutOfOrder) {
		t.Fatalf("expected ErrChunkOutOfOrder, got %v", failed.Err)
	}

	assertNoVisibleFiles(t, b.options.DownloadDir)
}

func TestChecksumMismatchAbortsTransfer(t *testing.T) {
	b := newTestManager(t, "peer-b", "bob")
	client := rawPeer(t, b, "peer-x", "xavier")

	data := []byte("abc")
	if err := client.Send(FileInit{
		TransferID: "xfer-bad",
		FileName:   "bad.bin",
		TotalSize:  int64(len(data)),
		ChunkSize:  len(data),
		Algorithm:  AlgorithmSHA256,
	}); err != nil {
		t.Fatalf("send init: %v", err)
	}
	if err := client.Send(FileChunk{TransferID: "xfer-bad", Sequence: 0, Data: data}); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if err := client.Send(FileEnd{TransferID: "xfer-bad", Checksum: "00ff"}); err != nil {
		t.Fatalf("send end: %v", err)
	}
	expectFileError(t, client, "xfer-bad", "checksum mismatch")

	failed := waitForEvent(t, b, EventTransferFailed)
	if !errors.Is(failed.Err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", failed.Err)
	}

	assertNoVisibleFiles(t, b.options.DownloadDir)
}

// assertNoVisibleFiles verifies no completed file reached the download dir.
func assertNoVisibleFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		t.Fatalf("read download dir: %v", err)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			t.Fatalf("unexpected file %q in download dir", entry.Name())
		}
	}
}

func TestAvailableName(t *testing.T) {
	dir := t.TempDir()

	first := availableName(dir, "report.pdf")
	if first != filepath.Join(dir, "report.pdf") {
		t.Fatalf("unexpected first name %q", first)
	}

	if err := os.WriteFile(first, nil, 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	second := availableName(dir, "report.pdf")
	if second != filepath.Join(dir, "report_1.pdf") {
		t.Fatalf("unexpected second name %q", second)
	}

	if err := os.WriteFile(second, nil, 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	third := availableName(dir, "report.pdf")
	if third != filepath.Join(dir, "report_2.pdf") {
		t.Fatalf("unexpected third name %q", third)
	}
}

func TestNewChecksumRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := newChecksum("crc32"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
}
