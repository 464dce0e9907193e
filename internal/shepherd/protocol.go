package shepherd

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/peterje/shepherd/internal/gateway"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // CBOR request, response or notification
	frameData    byte = 0x02 // session output: sessionID + raw bytes
	frameInput   byte = 0x03 // session input: sessionID + raw bytes
)

const maxFrameSize = 10 * 1024 * 1024

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// For frameControl: payload is a CBOR gateway envelope
// For frameData/frameInput: payload is [session_id_len(1 byte)][session_id][raw data]

// control is what a client receives in a control frame: either a response
// (ID set) or a notification (Method set).
type control struct {
	ID     any                `cbor:"id,omitempty"`
	Result cbor.RawMessage    `cbor:"result,omitempty"`
	Error  *gateway.ErrorBody `cbor:"error,omitempty"`
	Method string             `cbor:"method,omitempty"`
	Params cbor.RawMessage    `cbor:"params,omitempty"`
}

func (c control) response() gateway.WireResponse {
	return gateway.WireResponse{ID: c.ID, Result: c.Result, Error: c.Error}
}

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	length := uint32(1 + len(payload)) // frame type + payload
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d", length)
	}
	header := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(header, length)
	header[4] = frameType
	if _, err := w.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := gateway.EncodeCBOR(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func writeDataFrame(w io.Writer, frameType byte, sessionID string, data []byte) error {
	idBytes := []byte(sessionID)
	if len(idBytes) > 255 {
		return fmt.Errorf("session id too long: %d bytes", len(idBytes))
	}
	payload := make([]byte, 1+len(idBytes)+len(data))
	payload[0] = byte(len(idBytes))
	copy(payload[1:], idBytes)
	copy(payload[1+len(idBytes):], data)
	return writeFrame(w, frameType, payload)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func parseDataPayload(payload []byte) (sessionID string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("data payload too short")
	}
	idLen := int(payload[0])
	if len(payload) < 1+idLen {
		return "", nil, fmt.Errorf("data payload too short for session ID")
	}
	sessionID = string(payload[1 : 1+idLen])
	data = payload[1+idLen:]
	return sessionID, data, nil
}
