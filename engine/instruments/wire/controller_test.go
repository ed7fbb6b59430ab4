package wire_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/instruments/wire"
)

// loopback feeds a canned response for every write, framed with the prompt
// sentinel, so Query can be tested without a real transport.
type loopback struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func newLoopback(response string) *loopback {
	return &loopback{in: bytes.NewBufferString(response), out: &bytes.Buffer{}}
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)   { return l.in.Read(p) }

func TestControllerPCB_QueryStripsPromptSentinel(t *testing.T) {
	lb := newLoopback("0.000\r\n>>> ")
	c := wire.New(lb)

	resp, err := c.Query(context.Background(), "rx")
	require.NoError(t, err)
	assert.Equal(t, "0.000", resp)
	assert.Equal(t, "rx\n", lb.out.String())
}

func TestControllerPCB_QueryMultilineResponse(t *testing.T) {
	lb := newLoopback("OK\r\nack\r\n>>> ")
	c := wire.New(lb)

	resp, err := c.Query(context.Background(), "s11")
	require.NoError(t, err)
	assert.Equal(t, "OK\r\nack", resp)
}

func TestControllerPCB_QueryCancelledContext(t *testing.T) {
	lb := newLoopback(">>> ")
	c := wire.New(lb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Query(ctx, "s")
	assert.Error(t, err)
}

type closeTrackingRW struct {
	io.Reader
	io.Writer
	closed bool
}

func (c *closeTrackingRW) Close() error { c.closed = true; return nil }

func TestControllerPCB_DisconnectClosesUnderlyingCloser(t *testing.T) {
	rw := &closeTrackingRW{Reader: bytes.NewBufferString(""), Writer: &bytes.Buffer{}}
	c := wire.New(rw)
	require.NoError(t, c.Disconnect())
	assert.True(t, rw.closed)
}
