package broker

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/hackc-pool/hackpoold/internal/domain"
)

// frameHeader is the JSON header of the length-prefixed, typed wire
// message the broker and its workers exchange: one line of JSON header
// terminated by '\n', followed by exactly "bytes" body bytes.
type frameHeader map[string]any

// codec encodes/decodes frames over a paired reader and writer. It
// performs no retries, no allocation beyond the returned buffers, and
// never interprets the "type" field — that's the Worker's job.
type codec struct {
	r *bufio.Reader
	w *bufio.Writer
}

func newCodec(r io.Reader, w io.Writer) *codec {
	return &codec{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// writeMessage sets header["bytes"] = len(body), writes the header's JSON
// serialization followed by '\n', then body, then flushes.
func (c *codec) writeMessage(header frameHeader, body []byte) error {
	header["bytes"] = len(body)
	encoded, err := json.Marshal(header)
	if err != nil {
		return domain.NewTransportError("encode header", err)
	}
	if _, err := c.w.Write(encoded); err != nil {
		return domain.NewTransportError("write header", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return domain.NewTransportError("write header newline", err)
	}
	if len(body) > 0 {
		if _, err := c.w.Write(body); err != nil {
			return domain.NewTransportError("write body", err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return domain.NewTransportError("flush", err)
	}
	return nil
}

// readLine reads a line up to and including '\n' and returns it without
// the trailing newline. EOF or a read error is a TransportError.
func (c *codec) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", domain.NewTransportError("read line", err)
	}
	return line[:len(line)-1], nil
}

// readBytes reads exactly n bytes. Fewer available bytes is a
// TransportError.
func (c *codec) readBytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, domain.NewTransportError("read body", err)
	}
	return buf, nil
}

// writeByte writes a single raw byte and flushes. Used for the one stray
// newline the start protocol sends to reserve the byte the worker's first
// stdin read swallows.
func (c *codec) writeByte(b byte) error {
	if err := c.w.WriteByte(b); err != nil {
		return domain.NewTransportError("write byte", err)
	}
	if err := c.w.Flush(); err != nil {
		return domain.NewTransportError("flush", err)
	}
	return nil
}
