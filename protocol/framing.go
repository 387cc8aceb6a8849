// Copyright 2026 The AgentFS Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the current protocol schema version. A handshake carrying
// a different major version is rejected.
const Version uint8 = 1

// lengthPrefixSize is the frame length prefix: a big-endian uint32
// covering everything after itself.
const lengthPrefixSize = 4

// innerHeaderSize is the fixed portion of the payload: 1 byte version,
// 1 byte kind, 8 bytes correlation id.
const innerHeaderSize = 10

// MaxPayload is the maximum allowed frame payload. 16 MB bounds the
// memory a single client can pin with one frame; write requests larger
// than this must be split by the client.
const MaxPayload = 16 * 1024 * 1024

// MaxReadLength caps a single read request so its response, CBOR body
// plus inner header, always fits under MaxPayload. Larger reads must
// be split by the client.
const MaxReadLength = MaxPayload - 1024

// Message is a single decoded protocol frame. Body is the raw CBOR
// payload; the caller decodes it once Kind is known.
type Message struct {
	Version       uint8
	Kind          Kind
	CorrelationID uint64
	Body          []byte
}

// FramingError reports a malformed or oversized frame. It is
// connection-terminating: after a framing error the byte stream can no
// longer be trusted to be frame-aligned.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.Reason
}

// UnsupportedMessageError reports a frame whose kind is unknown to this
// daemon. Unlike FramingError the frame boundary is intact, so only the
// single request fails.
type UnsupportedMessageError struct {
	Kind Kind
}

func (e *UnsupportedMessageError) Error() string {
	return fmt.Sprintf("unsupported message kind %d", uint8(e.Kind))
}

// EncodeMessage returns the full wire encoding of m, including the
// length prefix.
func EncodeMessage(m Message) ([]byte, error) {
	payloadLength := innerHeaderSize + len(m.Body)
	if payloadLength > MaxPayload {
		return nil, &FramingError{Reason: fmt.Sprintf("payload length %d exceeds maximum %d", payloadLength, MaxPayload)}
	}
	frame := make([]byte, lengthPrefixSize+payloadLength)
	binary.BigEndian.PutUint32(frame[0:4], uint32(payloadLength))
	frame[4] = m.Version
	frame[5] = uint8(m.Kind)
	binary.BigEndian.PutUint64(frame[6:14], m.CorrelationID)
	copy(frame[14:], m.Body)
	return frame, nil
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message from r. Returns FramingError if
// the declared length exceeds MaxPayload or the payload is truncated
// below the inner header size.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read frame length: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(prefix[:])
	if payloadLength > MaxPayload {
		return Message{}, &FramingError{Reason: fmt.Sprintf("declared payload length %d exceeds maximum %d", payloadLength, MaxPayload)}
	}
	if payloadLength < innerHeaderSize {
		return Message{}, &FramingError{Reason: fmt.Sprintf("declared payload length %d below header size %d", payloadLength, innerHeaderSize)}
	}
	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read frame payload: %w", err)
	}
	return parsePayload(payload), nil
}

func parsePayload(payload []byte) Message {
	return Message{
		Version:       payload[0],
		Kind:          Kind(payload[1]),
		CorrelationID: binary.BigEndian.Uint64(payload[2:10]),
		Body:          payload[10:],
	}
}

// Decoder accumulates bytes fed incrementally (e.g. from a non-blocking
// transport) and yields complete messages as they become available. A
// FramingError from Next is sticky: the stream is corrupt and the
// connection must be closed.
type Decoder struct {
	buf  bytes.Buffer
	fail error
}

// Feed appends raw bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Next returns the next complete message, or ok=false when more bytes
// are needed.
func (d *Decoder) Next() (m Message, ok bool, err error) {
	if d.fail != nil {
		return Message{}, false, d.fail
	}
	data := d.buf.Bytes()
	if len(data) < lengthPrefixSize {
		return Message{}, false, nil
	}
	payloadLength := binary.BigEndian.Uint32(data[0:4])
	if payloadLength > MaxPayload {
		d.fail = &FramingError{Reason: fmt.Sprintf("declared payload length %d exceeds maximum %d", payloadLength, MaxPayload)}
		return Message{}, false, d.fail
	}
	if payloadLength < innerHeaderSize {
		d.fail = &FramingError{Reason: fmt.Sprintf("declared payload length %d below header size %d", payloadLength, innerHeaderSize)}
		return Message{}, false, d.fail
	}
	total := lengthPrefixSize + int(payloadLength)
	if len(data) < total {
		return Message{}, false, nil
	}
	payload := make([]byte, payloadLength)
	copy(payload, data[lengthPrefixSize:total])
	d.buf.Next(total)
	return parsePayload(payload), true, nil
}
