package fingerprint

import (
	"encoding/binary"
	"fmt"
	"image"
	"strings"

	"github.com/corona10/goimagehash"
)

type Algorithm string

const (
	AlgorithmWavelet    Algorithm = "wavelet"
	AlgorithmPerception Algorithm = "perception"
)

func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AlgorithmWavelet:
		return AlgorithmWavelet, nil
	case AlgorithmPerception:
		return AlgorithmPerception, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", raw)
	}
}

// Fingerprint is the output of Compute: the hash and the source aspect ratio.
type Fingerprint struct {
	Hash  Hash
	Ratio float64
}

// Compute hashes img with the given algorithm. It fails only on empty images
// or layouts the algorithm cannot produce.
func (l Layout) Compute(img image.Image, algo Algorithm) (Fingerprint, error) {
	if err := l.ValidateFor(algo); err != nil {
		return Fingerprint{}, err
	}
	if img == nil {
		return Fingerprint{}, fmt.Errorf("%w: image is nil", ErrMalformed)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return Fingerprint{}, fmt.Errorf("%w: image has no pixels", ErrMalformed)
	}

	var (
		h   Hash
		err error
	)
	switch algo {
	case AlgorithmWavelet:
		h, err = waveletHash(img, l.GridSize)
	case AlgorithmPerception:
		h, err = perceptionHash(img, l.GridSize)
	}
	if err != nil {
		return Fingerprint{}, err
	}

	return Fingerprint{
		Hash:  h,
		Ratio: AspectRatio(bounds.Dx(), bounds.Dy()),
	}, nil
}

// AspectRatio is width over height rounded to four decimals.
func AspectRatio(width, height int) float64 {
	if height <= 0 {
		return 0
	}
	return Round(float64(width)/float64(height), 4)
}

func perceptionHash(img image.Image, gridSize int) (Hash, error) {
	ext, err := goimagehash.ExtPerceptionHash(img, gridSize, gridSize)
	if err != nil {
		return nil, fmt.Errorf("perception hash: %w", err)
	}
	words := ext.GetHash()
	out := make(Hash, len(words)*8)
	for i, word := range words {
		binary.BigEndian.PutUint64(out[i*8:], word)
	}
	return out, nil
}
