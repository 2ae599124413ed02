package network

import "time"

// EventType discriminates Manager events.
type EventType string

const (
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventMessageReceived  EventType = "message_received"
	EventSendFailed       EventType = "send_failed"
	EventTransferStarted  EventType = "transfer_started"
	EventTransferProgress EventType = "transfer_progress"
	EventTransferComplete EventType = "transfer_complete"
	EventTransferFailed   EventType = "transfer_failed"
)

// TransferDirection tells which side of a transfer this node is.
type TransferDirection string

const (
	DirectionSend    TransferDirection = "send"
	DirectionReceive TransferDirection = "receive"
)

// TransferInfo is a snapshot of a transfer attached to transfer events.
type TransferInfo struct {
	ID        string
	Direction TransferDirection
	FileName  string
	Path      string
	TotalSize int64
	BytesDone int64
}

// Event is one observable state change on the Manager. Consumers read
// events from Manager.Events; a slow consumer drops events rather than
// blocking session goroutines.
type Event struct {
	Type      EventType
	Peer      PeerIdentity
	Body      string
	Timestamp time.Time
	Transfer  *TransferInfo
	Err       error
}
