package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Message is one de-chunked protocol message.
type Message struct {
	Type    byte
	Payload []byte
}

// Conn frames messages over a byte stream. It is not safe for concurrent use; each
// side of an exchange is driven by a single goroutine.
type Conn struct {
	reader *bufio.Reader
	writer *bufio.Writer

	maxMessageSize int

	// Reusable buffers to reduce allocations
	headerBuf  [2]byte
	messageBuf []byte
}

// NewConn wraps rw with 8KB buffered reader and writer. A maxMessageSize of zero uses
// DefaultMaxMessageSize.
func NewConn(rw io.ReadWriter, maxMessageSize int) *Conn {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Conn{
		reader:         bufio.NewReaderSize(rw, 8192),
		writer:         bufio.NewWriterSize(rw, 8192),
		maxMessageSize: maxMessageSize,
		messageBuf:     make([]byte, 0, 4096),
	}
}

// ClientHandshake sends the magic and up to four version proposals and returns the
// version the server chose.
func (c *Conn) ClientHandshake(versions ...uint16) (uint16, error) {
	if len(versions) == 0 {
		versions = SupportedVersions
	}

	var buf [12]byte
	copy(buf[:4], Magic[:])
	for i := 0; i < 4 && i < len(versions); i++ {
		binary.BigEndian.PutUint16(buf[4+2*i:], versions[i])
	}
	if _, err := c.writer.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to send handshake: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush handshake: %w", err)
	}

	var reply [2]byte
	if _, err := io.ReadFull(c.reader, reply[:]); err != nil {
		return 0, fmt.Errorf("failed to read handshake reply: %w", err)
	}
	chosen := binary.BigEndian.Uint16(reply[:])
	if chosen == VersionNone {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, ErrNoCommonVersion)
	}
	if !contains(versions, chosen) {
		return 0, fmt.Errorf("%w: server chose unproposed version 0x%04X", ErrProtocol, chosen)
	}
	return chosen, nil
}

// ServerHandshake reads the client's magic and proposals and answers with the first
// proposal found in supported. When none matches it answers VersionNone and returns
// ErrNoCommonVersion.
func (c *Conn) ServerHandshake(supported ...uint16) (uint16, error) {
	if len(supported) == 0 {
		supported = SupportedVersions
	}

	var magic [4]byte
	if _, err := io.ReadFull(c.reader, magic[:]); err != nil {
		return 0, fmt.Errorf("failed to read magic: %w", err)
	}
	if magic != Magic {
		return 0, fmt.Errorf("%w: invalid magic number: %x", ErrProtocol, magic)
	}

	var proposals [8]byte
	if _, err := io.ReadFull(c.reader, proposals[:]); err != nil {
		return 0, fmt.Errorf("failed to read versions: %w", err)
	}

	chosen := VersionNone
	for i := 0; i < 4; i++ {
		v := binary.BigEndian.Uint16(proposals[2*i:])
		if v != VersionNone && contains(supported, v) {
			chosen = v
			break
		}
	}

	var reply [2]byte
	binary.BigEndian.PutUint16(reply[:], chosen)
	if _, err := c.writer.Write(reply[:]); err != nil {
		return 0, fmt.Errorf("failed to send version: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush version: %w", err)
	}

	if chosen == VersionNone {
		return 0, fmt.Errorf("%w: %w", ErrProtocol, ErrNoCommonVersion)
	}
	return chosen, nil
}

// ReadMessage reads chunks until the empty terminator chunk. Empty messages are
// skipped, as Bolt treats them as no-op keepalives.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		c.messageBuf = c.messageBuf[:0]

		for {
			if _, err := io.ReadFull(c.reader, c.headerBuf[:]); err != nil {
				return nil, err
			}

			size := int(c.headerBuf[0])<<8 | int(c.headerBuf[1])
			if size == 0 {
				break
			}

			oldLen := len(c.messageBuf)
			newLen := oldLen + size
			if newLen > c.maxMessageSize {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, c.maxMessageSize)
			}
			if cap(c.messageBuf) < newLen {
				newCap := cap(c.messageBuf) * 2
				if newCap < newLen {
					newCap = newLen
				}
				newBuf := make([]byte, newLen, newCap)
				copy(newBuf, c.messageBuf)
				c.messageBuf = newBuf
			} else {
				c.messageBuf = c.messageBuf[:newLen]
			}

			if _, err := io.ReadFull(c.reader, c.messageBuf[oldLen:newLen]); err != nil {
				return nil, err
			}
		}

		if len(c.messageBuf) == 0 {
			continue
		}

		payload := make([]byte, len(c.messageBuf)-1)
		copy(payload, c.messageBuf[1:])
		return &Message{Type: c.messageBuf[0], Payload: payload}, nil
	}
}

// WriteMessage chunks and flushes one message.
func (c *Conn) WriteMessage(msgType byte, payload []byte) error {
	if len(payload)+1 > c.maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload)+1)
	}

	body := make([]byte, 0, len(payload)+1)
	body = append(body, msgType)
	body = append(body, payload...)

	for len(body) > 0 {
		n := len(body)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		c.writer.WriteByte(byte(n >> 8))
		c.writer.WriteByte(byte(n))
		if _, err := c.writer.Write(body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}

	// Terminator (0x00 0x00)
	c.writer.WriteByte(0)
	c.writer.WriteByte(0)

	return c.writer.Flush()
}

// Expect reads one message and checks its type. A FAILURE message is returned as an
// ErrProtocol error carrying the peer's text.
func (c *Conn) Expect(msgType byte) (*Message, error) {
	msg, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type == msgType {
		return msg, nil
	}
	if msg.Type == MsgFailure {
		return nil, fmt.Errorf("%w: peer failure: %s", ErrProtocol, string(msg.Payload))
	}
	return nil, fmt.Errorf("%w: expected %s, got %s (0x%02X)",
		ErrProtocol, MessageName(msgType), MessageName(msg.Type), msg.Type)
}

// WriteFailure sends a FAILURE message with a text reason.
func (c *Conn) WriteFailure(reason string) error {
	return c.WriteMessage(MsgFailure, []byte(reason))
}

func contains(versions []uint16, v uint16) bool {
	for _, candidate := range versions {
		if candidate == v {
			return true
		}
	}
	return false
}
