// Package wire implements the one concretely specified instrument wire
// protocol (spec §4.4): the mux/stage controller PCB's newline-delimited
// query/response channel framed by a trailing ">>> " prompt sentinel. Every
// other capability (SMU, light engine, monochromator, LIA, PSU) is
// vendor-specific SCPI/GPIB dialect the spec deliberately leaves
// unspecified ("any compliant driver satisfies them"); only this one has
// enough wire detail given to implement for real, so it is the only
// non-virtual driver in this façade. No third-party serial/GPIB library
// appears in any pack example's go.mod, so this stays on net/bufio.
package wire

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"solarctl/engine/models"
)

const promptSentinel = ">>> "

// ControllerPCB talks to a real controller board over any io.ReadWriter
// (a net.Conn from a TCP-to-serial bridge, or a direct serial handle).
type ControllerPCB struct {
	mu sync.Mutex
	rw io.ReadWriter
	r  *bufio.Reader
}

// New wraps an already-open connection. The caller owns dialing/closing
// the underlying transport except through Disconnect, which closes rw if
// it implements io.Closer.
func New(rw io.ReadWriter) *ControllerPCB {
	return &ControllerPCB{rw: rw, r: bufio.NewReader(rw)}
}

// Query sends cmd terminated by "\n" and reads until the prompt sentinel,
// returning the response with the sentinel and trailing newline stripped
// (spec §4.4).
func (c *ControllerPCB) Query(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", models.ErrUserAborted
	}

	if _, err := io.WriteString(c.rw, cmd+"\n"); err != nil {
		return "", models.InstrumentCommsError("wire.controller", "write %q: %w", cmd, err)
	}

	var sb strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", models.ErrUserAborted
		}
		b, err := c.r.ReadByte()
		if err != nil {
			return "", models.InstrumentCommsError("wire.controller", "read response to %q: %w", cmd, err)
		}
		sb.WriteByte(b)
		if strings.HasSuffix(sb.String(), promptSentinel) {
			break
		}
	}
	resp := strings.TrimSuffix(sb.String(), promptSentinel)
	return strings.TrimRight(resp, "\r\n"), nil
}

// Disconnect closes the underlying transport if it supports io.Closer.
func (c *ControllerPCB) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
