// Package motion implements the stage-motion capability (spec §4.4) in
// terms of any instruments.ControllerPCB — virtual or real wire — so the
// same axis-command translation serves both test and production wiring.
package motion

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"solarctl/engine/instruments"
	"solarctl/engine/models"
)

// Motion translates Home/Goto/GetPosition into the canonical h<ax>/g<ax><n>/
// r<ax> PCB commands (spec §4.4) and enforces the configured length-check
// deviation after every move.
type Motion struct {
	pcb       instruments.ControllerPCB
	axes      []string
	deviation float64 // mm; 0 disables the post-move length check

	mu  sync.Mutex
	pos []float64
}

var _ instruments.Motion = (*Motion)(nil)

// New builds a Motion driver over pcb for the given ordered axis labels
// (e.g. ["x", "y"]). deviationMM is the maximum tolerated |measured -
// expected| after a move (spec §4.4); 0 disables the check.
func New(pcb instruments.ControllerPCB, axes []string, deviationMM float64) *Motion {
	return &Motion{pcb: pcb, axes: axes, deviation: deviationMM, pos: make([]float64, len(axes))}
}

func (m *Motion) Connect(ctx context.Context) error { return nil }

func (m *Motion) Home(ctx context.Context) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lengths := make([]float64, len(m.axes))
	for i, ax := range m.axes {
		if _, err := m.pcb.Query(ctx, "h"+ax); err != nil {
			return nil, models.MotionError("motion.home", "home axis %s: %w", ax, err)
		}
		resp, err := m.pcb.Query(ctx, "l"+ax)
		if err != nil {
			return nil, models.MotionError("motion.home", "read length axis %s: %w", ax, err)
		}
		l, err := strconv.ParseFloat(resp, 64)
		if err != nil {
			return nil, models.MotionError("motion.home", "parse length axis %s (%q): %w", ax, resp, err)
		}
		lengths[i] = l
		m.pos[i] = 0
	}
	out := make([]float64, len(m.pos))
	copy(out, m.pos)
	return out, nil
}

// Goto commands each axis to positionsMM[i] in turn and verifies the
// controller's reported position is within the configured deviation (spec
// §4.4: "length checks enforce |measured - expected| ≤ deviation").
func (m *Motion) Goto(ctx context.Context, positionsMM []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(positionsMM) != len(m.axes) {
		return models.MotionError("motion.goto", "expected %d axis values, got %d", len(m.axes), len(positionsMM))
	}

	for i, ax := range m.axes {
		cmd := fmt.Sprintf("g%s%d", ax, int(math.Round(positionsMM[i])))
		if _, err := m.pcb.Query(ctx, cmd); err != nil {
			return models.MotionError("motion.goto", "move axis %s: %w", ax, err)
		}

		if m.deviation > 0 {
			resp, err := m.pcb.Query(ctx, "r"+ax)
			if err != nil {
				return models.MotionError("motion.goto", "read position axis %s: %w", ax, err)
			}
			measured, err := strconv.ParseFloat(resp, 64)
			if err != nil {
				return models.MotionError("motion.goto", "parse position axis %s (%q): %w", ax, resp, err)
			}
			if math.Abs(measured-positionsMM[i]) > m.deviation {
				return models.MotionError("motion.goto", "axis %s deviation %.3f exceeds %.3f (expected %.3f, measured %.3f)",
					ax, math.Abs(measured-positionsMM[i]), m.deviation, positionsMM[i], measured)
			}
		}
		m.pos[i] = positionsMM[i]
	}
	return nil
}

func (m *Motion) GetPosition(ctx context.Context) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float64, len(m.axes))
	for i, ax := range m.axes {
		resp, err := m.pcb.Query(ctx, "r"+ax)
		if err != nil {
			return nil, models.MotionError("motion.get_position", "read axis %s: %w", ax, err)
		}
		v, err := strconv.ParseFloat(resp, 64)
		if err != nil {
			return nil, models.MotionError("motion.get_position", "parse axis %s (%q): %w", ax, resp, err)
		}
		out[i] = v
	}
	return out, nil
}

func (m *Motion) Disconnect() error { return nil }
