// Package fingerprint computes, encodes and compares perceptual image hashes.
//
// A hash is a square grid of bits (GridSize x GridSize) that is stored as
// fixed-width lowercase hex chunks, one database column per chunk. The layout
// is fixed for the lifetime of a deployment; changing it means rebuilding
// every stored fingerprint.
package fingerprint

import (
	"errors"
	"fmt"
)

var ErrLayout = errors.New("invalid fingerprint layout")

// Layout describes the bit grid and its chunked text representation.
type Layout struct {
	GridSize      int
	CharsPerChunk int
}

// DefaultLayout is a 256-bit hash stored as 16 chunks of 4 hex characters.
var DefaultLayout = Layout{GridSize: 16, CharsPerChunk: 4}

func (l Layout) Bits() int {
	return l.GridSize * l.GridSize
}

func (l Layout) BitsPerChunk() int {
	return l.CharsPerChunk * 4
}

func (l Layout) NumChunks() int {
	if l.BitsPerChunk() == 0 {
		return 0
	}
	return l.Bits() / l.BitsPerChunk()
}

func (l Layout) HexLength() int {
	return l.Bits() / 4
}

func (l Layout) Bytes() int {
	return l.Bits() / 8
}

func (l Layout) String() string {
	return fmt.Sprintf("%dx%d/%d", l.GridSize, l.GridSize, l.CharsPerChunk)
}

func (l Layout) Validate() error {
	if l.GridSize < 2 {
		return fmt.Errorf("%w: grid size must be >= 2, got %d", ErrLayout, l.GridSize)
	}
	if l.CharsPerChunk < 1 {
		return fmt.Errorf("%w: chars per chunk must be >= 1, got %d", ErrLayout, l.CharsPerChunk)
	}
	if l.Bits()%8 != 0 {
		return fmt.Errorf("%w: %d bits is not a whole number of bytes", ErrLayout, l.Bits())
	}
	if l.Bits()%l.BitsPerChunk() != 0 {
		return fmt.Errorf("%w: %d bits do not split into %d-bit chunks", ErrLayout, l.Bits(), l.BitsPerChunk())
	}
	return nil
}

// ValidateFor checks the extra constraints an algorithm places on the grid.
func (l Layout) ValidateFor(algo Algorithm) error {
	if err := l.Validate(); err != nil {
		return err
	}
	switch algo {
	case AlgorithmWavelet:
		if l.GridSize&(l.GridSize-1) != 0 {
			return fmt.Errorf("%w: wavelet hash needs a power-of-two grid, got %d", ErrLayout, l.GridSize)
		}
	case AlgorithmPerception:
		if l.Bits()%64 != 0 {
			return fmt.Errorf("%w: perception hash needs a multiple of 64 bits, got %d", ErrLayout, l.Bits())
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrLayout, algo)
	}
	return nil
}
