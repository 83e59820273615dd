package tcp

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"hogrider/p2p-share/pkg/protocol"
)

// Frame Types
const (
	FrameTypeControl = 0x01
)

// Header is the fixed-size frame header
// [Type (1 byte)] + [Length (4 bytes)]
const HeaderSize = 5

// MaxFrameSize bounds a single frame; a chunk plus gob overhead fits easily.
const MaxFrameSize = 16 * 1024 * 1024

// readFrameHeader reads the frame header from the reader
// returns msgType, length, and error
func readFrameHeader(r io.Reader) (uint8, uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, err
	}

	msgType := buf[0]
	length := binary.BigEndian.Uint32(buf[1:])

	return msgType, length, nil
}

// WriteMessage gob-encodes msg and writes it as one control frame.
func WriteMessage(w io.Writer, msg any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(protocol.Envelope{Msg: msg}); err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	if buf.Len() > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", buf.Len())
	}
	// header and payload go out in one write so concurrent readers never see a torn frame
	frame := make([]byte, HeaderSize, HeaderSize+buf.Len())
	frame[0] = FrameTypeControl
	binary.BigEndian.PutUint32(frame[1:], uint32(buf.Len()))
	frame = append(frame, buf.Bytes()...)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads one control frame and decodes its payload.
func ReadMessage(r io.Reader) (any, error) {
	msgType, length, err := readFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if msgType != FrameTypeControl {
		return nil, fmt.Errorf("unknown frame type: %d", msgType)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var env protocol.Envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return env.Msg, nil
}
