// Package queue builds the ordered work queue of concrete pixels (spec §4.3)
// from a substrate grid description, an active layout, a bitmask device
// selection, and label lists. The algorithm is a pure function of its
// inputs: same arguments in, same queue out, every time.
package queue

import (
	"fmt"
	"math/big"
	"strings"

	"solarctl/engine/models"
)

// Grid describes the physical substrate grid for one experiment kind
// (solarsim vs eqe), per spec §4.3.
type Grid struct {
	Rows            int
	Cols            int
	SpacingMM       [2]float64 // [row-axis spacing, col-axis spacing]
	ExperimentCenterMM [2]float64
}

// BuildParams bundles the inputs to BuildQueue.
type BuildParams struct {
	Grid                  Grid
	Layout                models.LayoutConfig
	Labels                []string
	SystemLabels          []string
	BitmaskHex            string
	PadsPerSubstrate      int
	AreaOverride          float64 // used when a layout area entry is -1
	HasAreaOverride       bool
}

// BuildQueue converts (layout, bitmask, labels, substrate centers) into an
// ordered work queue of pixel descriptors (spec §4.3).
func BuildQueue(p BuildParams) (*models.WorkQueue, error) {
	centers := substrateCenters(p.Grid)
	if len(p.Labels) != len(centers) {
		return nil, models.ConfigError("queue.build",
			"label count %d does not match substrate count %d", len(p.Labels), len(centers))
	}
	systemLabels := p.SystemLabels
	if len(systemLabels) == 0 {
		systemLabels = p.Labels
	} else if len(systemLabels) != len(centers) {
		return nil, models.ConfigError("queue.build",
			"system label count %d does not match substrate count %d", len(systemLabels), len(centers))
	}

	bits, err := decodeBitmask(p.BitmaskHex, len(centers)*p.PadsPerSubstrate)
	if err != nil {
		return nil, models.ConfigError("queue.build", "decode bitmask: %w", err)
	}

	if len(p.Layout.Positions) != len(p.Layout.Pixels) || len(p.Layout.Positions) != len(p.Layout.Areas) {
		return nil, models.ConfigError("queue.build", "layout positions/pixels/areas length mismatch")
	}

	var pixels []models.PixelDescriptor
	for s, center := range centers {
		padSlice := substratePadSlice(bits, s, p.PadsPerSubstrate)

		for k := range p.Layout.Positions {
			padIndex := p.Layout.Pixels[k] // 1-based pad number
			if padIndex < 1 || padIndex > p.PadsPerSubstrate {
				return nil, models.ConfigError("queue.build", "layout pad index %d out of range [1,%d]", padIndex, p.PadsPerSubstrate)
			}
			if padSlice[padIndex-1] == 0 {
				continue
			}

			area := p.Layout.Areas[k]
			if area == -1 {
				if !p.HasAreaOverride {
					return nil, models.ConfigError("queue.build", "pixel %d requires area override but none supplied", k+1)
				}
				area = p.AreaOverride
			}
			if area == 0 {
				continue // skipped silently, not errored (spec §4.3 step 5)
			}

			offset := p.Layout.Positions[k]
			pos := make([]float64, len(offset))
			for i := range offset {
				c := 0.0
				if i < len(center) {
					c = center[i]
				}
				pos[i] = c + offset[i]
			}

			pixels = append(pixels, models.PixelDescriptor{
				Label:       p.Labels[s],
				SystemLabel: systemLabels[s],
				Layout:      p.Layout.PCBName,
				PixelIndex:  k + 1,
				Position:    pos,
				AreaCM2:     area,
				MuxString:   buildMuxString(s, padIndex),
			})
		}
	}

	return models.NewWorkQueue(pixels), nil
}

// buildMuxString renders the canonical "s<substrate><pixel>" select command
// (spec §4.4); substrate is 1-based in the wire protocol.
func buildMuxString(substrateIdx0 int, padIndex int) string {
	return fmt.Sprintf("s%d%d", substrateIdx0+1, padIndex)
}

// substrateCenters lays out a rows x cols grid centered on the experiment
// center with the given spacing (spec §4.3 step 1-2). Row-major order:
// the outer loop is rows, the inner loop is cols, matching "iteration
// product of axis coordinate lists".
func substrateCenters(g Grid) [][]float64 {
	rowCoords := axisCoords(g.Rows, g.SpacingMM[0], g.ExperimentCenterMM[0])
	colCoords := axisCoords(g.Cols, g.SpacingMM[1], g.ExperimentCenterMM[1])

	centers := make([][]float64, 0, len(rowCoords)*len(colCoords))
	for _, r := range rowCoords {
		for _, c := range colCoords {
			centers = append(centers, []float64{r, c})
		}
	}
	return centers
}

// axisCoords computes the absolute coordinate of each grid position along
// one axis. Even counts are half-spacing offset from center; odd counts
// are centered on the middle element (spec §4.3 step 1).
func axisCoords(count int, spacing, center float64) []float64 {
	coords := make([]float64, count)
	if count == 0 {
		return coords
	}
	if count%2 == 1 {
		mid := count / 2
		for i := 0; i < count; i++ {
			coords[i] = center + float64(i-mid)*spacing
		}
		return coords
	}
	for i := 0; i < count; i++ {
		offset := float64(i)-float64(count-1)/2.0
		coords[i] = center + offset*spacing
	}
	return coords
}

// decodeBitmask parses a hex string bitmask into a bit list of the
// requested length.
//
// Convention (chosen to match spec §4.3 worked example S1): the hex string
// is parsed as a single big-endian integer N; bits[i] is the bit of N at
// position (nbits-1-i), i.e. bits[0] is N's most-significant bit within the
// nbits-wide field. The first `padsPerSubstrate` entries of bits belong to
// substrate 0, the next `padsPerSubstrate` to substrate 1, and so on — "the
// first substrate's pads occupy the lowest [list] indices".
func decodeBitmask(hex string, nbits int) ([]byte, error) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "0x")
	hex = strings.TrimPrefix(hex, "0X")
	if hex == "" {
		hex = "0"
	}
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex bitmask %q", hex)
	}
	bits := make([]byte, nbits)
	for i := 0; i < nbits; i++ {
		bitPos := nbits - 1 - i
		if n.Bit(bitPos) == 1 {
			bits[i] = 1
		}
	}
	return bits, nil
}

func substratePadSlice(bits []byte, substrateIdx, padsPerSubstrate int) []byte {
	start := substrateIdx * padsPerSubstrate
	end := start + padsPerSubstrate
	if start >= len(bits) {
		return make([]byte, padsPerSubstrate)
	}
	if end > len(bits) {
		end = len(bits)
	}
	slice := make([]byte, padsPerSubstrate)
	copy(slice, bits[start:end])
	return slice
}

// EncodeBitmask re-derives a hex bitmask string from a set of selected
// (substrate, padIndex) pairs, the inverse of decodeBitmask's convention.
// Used to check the round-trip invariant in spec §8 (pixels with zero area
// are never part of the input set, so the round trip excludes them by
// construction).
func EncodeBitmask(substrateCount, padsPerSubstrate int, selected map[[2]int]bool) string {
	nbits := substrateCount * padsPerSubstrate
	n := new(big.Int)
	for key, on := range selected {
		if !on {
			continue
		}
		s, pad := key[0], key[1]
		listIdx := s*padsPerSubstrate + (pad - 1)
		bitPos := nbits - 1 - listIdx
		n.SetBit(n, bitPos, 1)
	}
	return fmt.Sprintf("%x", n)
}
