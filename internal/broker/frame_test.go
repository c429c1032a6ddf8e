package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf, &buf)

	body := []byte("hello world")
	err := c.writeMessage(frameHeader{"type": "code", "file": "a.php"}, body)
	require.NoError(t, err)

	line, err := c.readLine()
	require.NoError(t, err)

	var header struct {
		Type  string `json:"type"`
		File  string `json:"file"`
		Bytes int    `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &header))
	assert.Equal(t, "code", header.Type)
	assert.Equal(t, "a.php", header.File)
	assert.Equal(t, len(body), header.Bytes)

	got, err := c.readBytes(header.Bytes)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCodecWriteMessageEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf, &buf)

	require.NoError(t, c.writeMessage(frameHeader{"type": "config"}, nil))

	line, err := c.readLine()
	require.NoError(t, err)
	assert.Contains(t, line, `"bytes":0`)

	got, err := c.readBytes(0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCodecReadLineTruncatedIsTransportError(t *testing.T) {
	buf := bytes.NewBufferString(`{"type":"hhas","bytes":10}`) // no trailing newline
	c := newCodec(buf, &bytes.Buffer{})

	_, err := c.readLine()
	require.Error(t, err)

	var transportErr *domain.TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestCodecReadBytesShortReadIsTransportError(t *testing.T) {
	buf := bytes.NewBufferString("short")
	c := newCodec(buf, &bytes.Buffer{})

	_, err := c.readBytes(10)
	require.Error(t, err)

	var transportErr *domain.TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestCodecWriteByte(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf, &buf)

	require.NoError(t, c.writeByte('\n'))
	assert.Equal(t, []byte{'\n'}, buf.Bytes())
}
