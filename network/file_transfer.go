package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultChunkSize is the file chunk payload size before encoding.
	DefaultChunkSize = 256 * 1024

	// AlgorithmSHA256 is the default whole-file checksum algorithm.
	AlgorithmSHA256 = "sha256"
	// AlgorithmBLAKE2b is the alternative whole-file checksum algorithm.
	AlgorithmBLAKE2b = "blake2b-256"

	// transferStatusOK is the FileAck status for a verified transfer.
	transferStatusOK = "ok"

	partialSuffix = ".part"
)

var (
	// ErrChecksumMismatch indicates the received file failed verification.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	// ErrChunkOutOfOrder indicates a chunk arrived with an unexpected sequence.
	ErrChunkOutOfOrder = errors.New("network: chunk out of order")
	// ErrTransferBusy indicates a receive is already active on the session.
	ErrTransferBusy = errors.New("network: transfer already in progress")
	// ErrTransferIncomplete indicates FileEnd arrived before all bytes.
	ErrTransferIncomplete = errors.New("network: transfer incomplete")
	// ErrUnknownAlgorithm indicates an unsupported checksum algorithm tag.
	ErrUnknownAlgorithm = errors.New("network: unknown checksum algorithm")
	// ErrTransferAborted indicates the remote side aborted the transfer.
	ErrTransferAborted = errors.New("network: transfer aborted by peer")
)

func newChecksum(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA256, "":
		return sha256.New(), nil
	case AlgorithmBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// outboundTransfer is one queued or running send.
type outboundTransfer struct {
	id         string
	peer       PeerIdentity
	sourcePath string
	fileName   string
	totalSize  int64
}

// outboundQueue serializes sends to one peer: a single active transfer,
// extras start FIFO as the active one reaches a terminal state.
type outboundQueue struct {
	active  *outboundTransfer
	pending []*outboundTransfer
}

// inboundTransfer is the single active receive on one session.
type inboundTransfer struct {
	id        string
	peer      PeerIdentity
	fileName  string
	totalSize int64
	algorithm string

	nextSeq  int
	received int64

	tempPath string
	file     *os.File
	hasher   hash.Hash
}

// SendFile queues a file for transfer to a peer and returns the transfer id.
// One transfer per peer is active at a time; the rest wait in FIFO order.
func (m *Manager) SendFile(peerID, sourcePath string) (string, error) {
	conn := m.getSession(peerID)
	if conn == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}

	fileInfo, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if fileInfo.IsDir() {
		return "", errors.New("source path must be a file")
	}

	transfer := &outboundTransfer{
		id:         uuid.NewString(),
		peer:       conn.Identity(),
		sourcePath: sourcePath,
		fileName:   filepath.Base(sourcePath),
		totalSize:  fileInfo.Size(),
	}

	m.fileMu.Lock()
	queue := m.outboundQueues[peerID]
	if queue == nil {
		queue = &outboundQueue{}
		m.outboundQueues[peerID] = queue
	}
	if queue.active != nil {
		queue.pending = append(queue.pending, transfer)
		m.fileMu.Unlock()
		return transfer.id, nil
	}
	queue.active = transfer
	m.fileMu.Unlock()

	m.startOutbound(conn, transfer)
	return transfer.id, nil
}

func (m *Manager) startOutbound(conn *PeerConnection, transfer *outboundTransfer) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOutbound(conn, transfer)
		m.finishOutbound(transfer)
	}()
}

// finishOutbound promotes the next queued transfer for the peer, if any.
func (m *Manager) finishOutbound(done *outboundTransfer) {
	m.fileMu.Lock()
	queue := m.outboundQueues[done.peer.ID]
	if queue == nil || queue.active != done {
		m.fileMu.Unlock()
		return
	}
	if len(queue.pending) == 0 {
		queue.active = nil
		m.fileMu.Unlock()
		return
	}
	next := queue.pending[0]
	queue.pending = queue.pending[1:]
	queue.active = next
	m.fileMu.Unlock()

	conn := m.getSession(done.peer.ID)
	if conn == nil || conn.State() == StateClosed {
		m.emitTransfer(EventTransferFailed, next.peer, TransferInfo{
			ID:        next.id,
			Direction: DirectionSend,
			FileName:  next.fileName,
			TotalSize: next.totalSize,
		}, ErrUnknownPeer)
		m.finishOutbound(next)
		return
	}
	m.startOutbound(conn, next)
}

func (m *Manager) runOutbound(conn *PeerConnection, transfer *outboundTransfer) {
	replies := m.registerTransferReply(transfer.id)
	defer m.unregisterTransferReply(transfer.id, replies)

	info := TransferInfo{
		ID:        transfer.id,
		Direction: DirectionSend,
		FileName:  transfer.fileName,
		Path:      transfer.sourcePath,
		TotalSize: transfer.totalSize,
	}

	hasher, err := newChecksum(m.options.ChecksumAlgorithm)
	if err != nil {
		m.emitTransfer(EventTransferFailed, transfer.peer, info, err)
		return
	}

	file, err := os.Open(transfer.sourcePath)
	if err != nil {
		m.emitTransfer(EventTransferFailed, transfer.peer, info, fmt.Errorf("open source file: %w", err))
		return
	}
	defer func() {
		_ = file.Close()
	}()

	if err := conn.Send(FileInit{
		TransferID: transfer.id,
		FileName:   transfer.fileName,
		TotalSize:  transfer.totalSize,
		ChunkSize:  m.options.ChunkSize,
		Algorithm:  m.options.ChecksumAlgorithm,
	}); err != nil {
		m.emitTransfer(EventTransferFailed, transfer.peer, info, err)
		return
	}

	m.emitTransfer(EventTransferStarted, transfer.peer, info, nil)

	buffer := make([]byte, m.options.ChunkSize)
	sequence := 0
	var sent int64
	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			hasher.Write(buffer[:n])
			if err := conn.Send(FileChunk{
				TransferID: transfer.id,
				Sequence:   sequence,
				Data:       buffer[:n],
			}); err != nil {
				m.emitTransfer(EventTransferFailed, transfer.peer, info, err)
				return
			}
			sequence++
			sent += int64(n)
			info.BytesDone = sent
			m.emitTransfer(EventTransferProgress, transfer.peer, info, nil)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			_ = conn.Send(FileError{TransferID: transfer.id, Reason: "source read failed"})
			m.emitTransfer(EventTransferFailed, transfer.peer, info, fmt.Errorf("read source file: %w", readErr))
			return
		}
	}

	if err := conn.Send(FileEnd{
		TransferID: transfer.id,
		Checksum:   hex.EncodeToString(hasher.Sum(nil)),
	}); err != nil {
		m.emitTransfer(EventTransferFailed, transfer.peer, info, err)
		return
	}

	timer := time.NewTimer(m.options.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.emitTransfer(EventTransferFailed, transfer.peer, info, m.ctx.Err())
			return
		case <-conn.Done():
			err := conn.LastError()
			if err == nil {
				err = io.EOF
			}
			m.emitTransfer(EventTransferFailed, transfer.peer, info, err)
			return
		case <-timer.C:
			m.emitTransfer(EventTransferFailed, transfer.peer, info, errors.New("timed out waiting for file ack"))
			return
		case reply := <-replies:
			switch reply := reply.(type) {
			case FileAck:
				if reply.Status != transferStatusOK {
					m.emitTransfer(EventTransferFailed, transfer.peer, info,
						fmt.Errorf("peer reported status %q", reply.Status))
					return
				}
				info.BytesDone = transfer.totalSize
				m.emitTransfer(EventTransferComplete, transfer.peer, info, nil)
				return
			case FileError:
				m.emitTransfer(EventTransferFailed, transfer.peer, info,
					fmt.Errorf("%w: %s", ErrTransferAborted, reply.Reason))
				return
			}
		}
	}
}

func (m *Manager) handleFileInit(conn *PeerConnection, msg FileInit) {
	peer := conn.Identity()

	if m.getInbound(peer.ID) != nil {
		// The active receive is unaffected; only the new request is refused.
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "transfer already in progress"})
		return
	}
	if msg.TransferID == "" || msg.TotalSize < 0 {
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "invalid file init"})
		return
	}

	hasher, err := newChecksum(msg.Algorithm)
	if err != nil {
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "unknown checksum algorithm"})
		m.reportError(fmt.Errorf("file init %q from %q: %w", msg.TransferID, peer.ID, err))
		return
	}

	// Only the base name is honored so a peer cannot escape the download dir.
	fileName := filepath.Base(msg.FileName)
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) || fileName == ".." {
		fileName = "file.bin"
	}

	if err := os.MkdirAll(m.options.DownloadDir, 0o755); err != nil {
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "download dir unavailable"})
		m.reportError(fmt.Errorf("create download dir: %w", err))
		return
	}

	tempPath := filepath.Join(m.options.DownloadDir, "."+msg.TransferID+partialSuffix)
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "create temp file failed"})
		m.reportError(fmt.Errorf("create temp file: %w", err))
		return
	}

	transfer := &inboundTransfer{
		id:        msg.TransferID,
		peer:      peer,
		fileName:  fileName,
		totalSize: msg.TotalSize,
		algorithm: msg.Algorithm,
		tempPath:  tempPath,
		file:      file,
		hasher:    hasher,
	}
	m.setInbound(transfer)

	m.emitTransfer(EventTransferStarted, peer, m.inboundInfo(transfer), nil)
}

func (m *Manager) handleFileChunk(conn *PeerConnection, msg FileChunk) {
	peer := conn.Identity()
	transfer := m.getInbound(peer.ID)
	if transfer == nil || transfer.id != msg.TransferID {
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "unknown transfer"})
		return
	}

	// Chunks are strictly sequential; a gap means lost framing and the
	// transfer cannot be trusted.
	if msg.Sequence != transfer.nextSeq {
		m.abortInbound(transfer, fmt.Errorf("%w: got %d, want %d", ErrChunkOutOfOrder, msg.Sequence, transfer.nextSeq))
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "chunk out of order"})
		return
	}
	if transfer.received+int64(len(msg.Data)) > transfer.totalSize {
		m.abortInbound(transfer, errors.New("transfer exceeds announced size"))
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "size overflow"})
		return
	}

	if _, err := transfer.file.Write(msg.Data); err != nil {
		m.abortInbound(transfer, fmt.Errorf("write chunk: %w", err))
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "write chunk failed"})
		return
	}
	transfer.hasher.Write(msg.Data)
	transfer.nextSeq++
	transfer.received += int64(len(msg.Data))

	m.emitTransfer(EventTransferProgress, peer, m.inboundInfo(transfer), nil)
}

func (m *Manager) handleFileEnd(conn *PeerConnection, msg FileEnd) {
	peer := conn.Identity()
	transfer := m.getInbound(peer.ID)
	if transfer == nil || transfer.id != msg.TransferID {
		_ = conn.Send(FileError{TransferID: msg.TransferID, Reason: "unknown transfer"})
		return
	}

	if transfer.received != transfer.totalSize {
		m.abortInbound(transfer, fmt.Errorf("%w: got %d of %d bytes", ErrTransferIncomplete, transfer.received, transfer.totalSize))
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "transfer incomplete"})
		return
	}

	checksum := hex.EncodeToString(transfer.hasher.Sum(nil))
	if !strings.EqualFold(checksum, msg.Checksum) {
		m.abortInbound(transfer, ErrChecksumMismatch)
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "checksum mismatch"})
		return
	}

	if err := transfer.file.Close(); err != nil {
		transfer.file = nil
		m.abortInbound(transfer, fmt.Errorf("close temp file: %w", err))
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "finalize failed"})
		return
	}
	transfer.file = nil

	finalPath := availableName(m.options.DownloadDir, transfer.fileName)
	if err := os.Rename(transfer.tempPath, finalPath); err != nil {
		m.abortInbound(transfer, fmt.Errorf("finalize file: %w", err))
		_ = conn.Send(FileError{TransferID: transfer.id, Reason: "finalize failed"})
		return
	}

	m.removeInbound(transfer)
	_ = conn.Send(FileAck{TransferID: transfer.id, Status: transferStatusOK})

	info := m.inboundInfo(transfer)
	info.Path = finalPath
	m.emitTransfer(EventTransferComplete, peer, info, nil)
}

// handlePeerFileError handles a FileError for which no outbound waiter
// exists, i.e. the sender aborted a transfer we are receiving.
func (m *Manager) handlePeerFileError(conn *PeerConnection, msg FileError) {
	transfer := m.getInbound(conn.Identity().ID)
	if transfer == nil || transfer.id != msg.TransferID {
		return
	}
	m.abortInbound(transfer, fmt.Errorf("%w: %s", ErrTransferAborted, msg.Reason))
}

// abortInbound discards the partial file and reports the failure. Nothing
// ever reaches the destination name on a failed transfer.
func (m *Manager) abortInbound(transfer *inboundTransfer, cause error) {
	m.removeInbound(transfer)
	if transfer.file != nil {
		_ = transfer.file.Close()
		transfer.file = nil
	}
	_ = os.Remove(transfer.tempPath)

	m.emitTransfer(EventTransferFailed, transfer.peer, m.inboundInfo(transfer), cause)
	m.log.WithError(cause).WithFields(map[string]any{
		"transfer_id": transfer.id,
		"remote_peer": transfer.peer.ID,
	}).Info("inbound transfer aborted")
}

func (m *Manager) abortInboundForPeer(peer PeerIdentity, reason string) {
	transfer := m.getInbound(peer.ID)
	if transfer == nil {
		return
	}
	m.abortInbound(transfer, errors.New(reason))
}

// failQueuedTransfers fails every pending outbound transfer for a closed
// session. The active transfer, if any, fails on its own via the socket.
func (m *Manager) failQueuedTransfers(peer PeerIdentity) {
	m.fileMu.Lock()
	queue := m.outboundQueues[peer.ID]
	var pending []*outboundTransfer
	if queue != nil {
		pending = queue.pending
		queue.pending = nil
	}
	m.fileMu.Unlock()

	for _, transfer := range pending {
		m.emitTransfer(EventTransferFailed, peer, TransferInfo{
			ID:        transfer.id,
			Direction: DirectionSend,
			FileName:  transfer.fileName,
			Path:      transfer.sourcePath,
			TotalSize: transfer.totalSize,
		}, ErrUnknownPeer)
	}
}

func (m *Manager) inboundInfo(transfer *inboundTransfer) TransferInfo {
	return TransferInfo{
		ID:        transfer.id,
		Direction: DirectionReceive,
		FileName:  transfer.fileName,
		TotalSize: transfer.totalSize,
		BytesDone: transfer.received,
	}
}

func (m *Manager) emitTransfer(eventType EventType, peer PeerIdentity, info TransferInfo, err error) {
	snapshot := info
	m.emit(Event{
		Type:      eventType,
		Peer:      peer,
		Timestamp: time.Now(),
		Transfer:  &snapshot,
		Err:       err,
	})
}

func (m *Manager) getInbound(peerID string) *inboundTransfer {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	return m.inboundTransfers[peerID]
}

func (m *Manager) setInbound(transfer *inboundTransfer) {
	m.fileMu.Lock()
	m.inboundTransfers[transfer.peer.ID] = transfer
	m.fileMu.Unlock()
}

func (m *Manager) removeInbound(transfer *inboundTransfer) {
	m.fileMu.Lock()
	if m.inboundTransfers[transfer.peer.ID] == transfer {
		delete(m.inboundTransfers, transfer.peer.ID)
	}
	m.fileMu.Unlock()
}

func (m *Manager) registerTransferReply(transferID string) chan Message {
	ch := make(chan Message, 4)
	m.fileMu.Lock()
	m.transferReplies[transferID] = ch
	m.fileMu.Unlock()
	return ch
}

func (m *Manager) unregisterTransferReply(transferID string, ch chan Message) {
	m.fileMu.Lock()
	if m.transferReplies[transferID] == ch {
		delete(m.transferReplies, transferID)
	}
	m.fileMu.Unlock()
}

// dispatchTransferReply routes FileAck/FileError to the outbound transfer
// waiting on it. Returns false when no waiter is registered.
func (m *Manager) dispatchTransferReply(transferID string, msg Message) bool {
	m.fileMu.Lock()
	ch := m.transferReplies[transferID]
	m.fileMu.Unlock()
	if ch == nil {
		return false
	}

	select {
	case ch <- msg:
	default:
	}
	return true
}

// availableName picks a destination path that does not collide with an
// existing file, appending _1, _2, ... before the extension as needed.
func availableName(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
