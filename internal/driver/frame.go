package driver

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"
)

// writeFrame writes one agent-protocol frame: a 4-byte little-endian
// length prefix followed by the MessagePack-encoded body. Grounded on
// original_source/backend/penguin_judge/judge/__init__.py's
// JudgeDriver._send (struct.pack('<I', len(b))).
func writeFrame(w io.Writer, body []byte) error {
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// maxFrameBody bounds a single frame so a corrupt length prefix cannot
// force an unbounded allocation while reading from the container.
const maxFrameBody = 64 << 20

// readFrame reads one agent-protocol frame and returns its raw
// MessagePack body, mirroring JudgeDriver._recv.
func readFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("%w: reading frame length: %v", ErrAgentFraming, err)
	}
	size := binary.LittleEndian.Uint32(lenPrefix[:])
	if size > maxFrameBody {
		return nil, fmt.Errorf("%w: frame body %d exceeds limit", ErrAgentFraming, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", ErrAgentFraming, err)
	}
	return body, nil
}

// msgpackMap is a minimal map reader over a MessagePack map's top-level
// string keys, built directly on msgp's wire-format primitives rather
// than reflection-based unmarshaling (the agent protocol's messages
// are small, fixed-shape maps, not application structs).
type msgpackMap map[string]msgp.Raw

func decodeMap(body []byte) (msgpackMap, error) {
	size, rest, err := msgp.ReadMapHeaderBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading map header: %v", ErrAgentFraming, err)
	}
	m := make(msgpackMap, size)
	for i := uint32(0); i < size; i++ {
		var key string
		key, rest, err = msgp.ReadStringBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: reading map key: %v", ErrAgentFraming, err)
		}
		var raw msgp.Raw
		rest, err = raw.UnmarshalMsg(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: reading map value for %q: %v", ErrAgentFraming, key, err)
		}
		m[key] = raw
	}
	return m, nil
}

func (m msgpackMap) str(key string) (string, bool, error) {
	raw, ok := m[key]
	if !ok {
		return "", false, nil
	}
	v, _, err := msgp.ReadStringBytes(raw)
	if err != nil {
		return "", true, fmt.Errorf("%w: field %q is not a string: %v", ErrAgentFraming, key, err)
	}
	return v, true, nil
}

func (m msgpackMap) bytes(key string) ([]byte, bool, error) {
	raw, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	v, _, err := msgp.ReadBytesBytes(raw, nil)
	if err != nil {
		return nil, true, fmt.Errorf("%w: field %q is not bytes: %v", ErrAgentFraming, key, err)
	}
	return v, true, nil
}

func (m msgpackMap) float64(key string) (float64, bool, error) {
	raw, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	v, _, err := msgp.ReadFloat64Bytes(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%w: field %q is not a number: %v", ErrAgentFraming, key, err)
	}
	return v, true, nil
}

func (m msgpackMap) int64(key string) (int64, bool, error) {
	raw, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	v, _, err := msgp.ReadInt64Bytes(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%w: field %q is not an integer: %v", ErrAgentFraming, key, err)
	}
	return v, true, nil
}
