package inference

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessage caps a single framed message.
const maxMessage = 64 << 20

type helloRequest struct {
	Op     string `msgpack:"op"`
	Client string `msgpack:"client"`
}

type helloResponse struct {
	Labels    []string `msgpack:"labels"`
	InputSize int      `msgpack:"input_size"`
	Error     string   `msgpack:"error,omitempty"`
}

type runRequest struct {
	Op       string `msgpack:"op"`
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Channels int    `msgpack:"channels"`
	Data     []byte `msgpack:"data"`
}

type runResponse struct {
	Scores []float32 `msgpack:"scores"`
	Error  string    `msgpack:"error,omitempty"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length prefix.
func writeMessage(w io.Writer, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(body) > maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return fmt.Errorf("read length: %w", err)
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
