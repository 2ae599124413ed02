package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// frameHeaderSize is the fixed frame header: uint32 payload length + one type byte.
	frameHeaderSize = 5

	// DefaultConnectTimeout bounds TCP dial duration.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the hello exchange after connect.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultReadPollInterval is the read deadline used to poll for shutdown.
	DefaultReadPollInterval = time.Second
)

// MessageType tags the payload carried by one frame.
type MessageType byte

const (
	TypeHello MessageType = iota + 1
	TypeText
	TypeFileInit
	TypeFileChunk
	TypeFileEnd
	TypeFileAck
	TypeFileError
	TypeBye
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeText:
		return "text"
	case TypeFileInit:
		return "file_init"
	case TypeFileChunk:
		return "file_chunk"
	case TypeFileEnd:
		return "file_end"
	case TypeFileAck:
		return "file_ack"
	case TypeFileError:
		return "file_error"
	case TypeBye:
		return "bye"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnknownMessageType indicates the frame type tag is not in the catalog.
	ErrUnknownMessageType = errors.New("network: unknown message type")
	// ErrMalformedPayload indicates a payload that does not decode for its type.
	ErrMalformedPayload = errors.New("network: malformed payload")
	// ErrUnsupportedVersion indicates protocol version mismatch during handshake.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
)

// Message is one decoded protocol frame payload.
type Message interface {
	MessageType() MessageType
}

// Hello announces sender identity. It must be the first frame in each
// direction on a new connection.
type Hello struct {
	PeerID          string `json:"peer_id"`
	Nickname        string `json:"nickname"`
	ListenPort      int    `json:"listen_port"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Text carries one UTF-8 chat message.
type Text struct {
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// FileInit opens a file transfer.
type FileInit struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int    `json:"chunk_size"`
	Algorithm  string `json:"algorithm"`
}

// FileChunk carries one sequential slice of file bytes.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Sequence   int    `json:"sequence"`
	Data       []byte `json:"data"`
}

// FileEnd closes a transfer and announces the whole-file checksum.
type FileEnd struct {
	TransferID string `json:"transfer_id"`
	Checksum   string `json:"checksum"`
}

// FileAck reports the receiver's terminal transfer status.
type FileAck struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

// FileError aborts a transfer from either side.
type FileError struct {
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason"`
}

// Bye is a graceful-close notice.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}

func (Hello) MessageType() MessageType     { return TypeHello }
func (Text) MessageType() MessageType      { return TypeText }
func (FileInit) MessageType() MessageType  { return TypeFileInit }
func (FileChunk) MessageType() MessageType { return TypeFileChunk }
func (FileEnd) MessageType() MessageType   { return TypeFileEnd }
func (FileAck) MessageType() MessageType   { return TypeFileAck }
func (FileError) MessageType() MessageType { return TypeFileError }
func (Bye) MessageType() MessageType       { return TypeBye }

// EncodeMessage marshals a message into a complete frame (header + payload).
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.MessageType(), err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame[4] = byte(msg.MessageType())
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// WriteMessage writes one framed message.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.MessageType(), err)
	}
	return nil
}

// ReadMessage reads and decodes one frame. Any decode failure means the
// stream cannot be realigned; the caller must close the connection.
func ReadMessage(r io.Reader) (Message, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, int(length))
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}

	return decodePayload(MessageType(header[4]), payload)
}

// ReadMessageWithTimeout reads one frame with an optional read deadline.
func ReadMessageWithTimeout(conn net.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadMessage(conn)
}

func decodePayload(msgType MessageType, payload []byte) (Message, error) {
	var (
		msg Message
		err error
	)

	switch msgType {
	case TypeHello:
		msg, err = unmarshalPayload[Hello](payload)
	case TypeText:
		msg, err = unmarshalPayload[Text](payload)
	case TypeFileInit:
		msg, err = unmarshalPayload[FileInit](payload)
	case TypeFileChunk:
		msg, err = unmarshalPayload[FileChunk](payload)
	case TypeFileEnd:
		msg, err = unmarshalPayload[FileEnd](payload)
	case TypeFileAck:
		msg, err = unmarshalPayload[FileAck](payload)
	case TypeFileError:
		msg, err = unmarshalPayload[FileError](payload)
	case TypeBye:
		msg, err = unmarshalPayload[Bye](payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, byte(msgType))
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msgType, err)
	}
	return msg, nil
}

func unmarshalPayload[T Message](payload []byte) (Message, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
