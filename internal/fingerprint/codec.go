package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
)

var ErrMalformed = errors.New("malformed fingerprint")

// Hash holds packed hash bits, most significant bit first, row-major.
type Hash []byte

// FromBits packs a bit vector. The length must be a multiple of 8.
func FromBits(bitVector []bool) (Hash, error) {
	if len(bitVector)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bits is not a whole number of bytes", ErrMalformed, len(bitVector))
	}
	out := make(Hash, len(bitVector)/8)
	for i, set := range bitVector {
		if set {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out, nil
}

func (h Hash) Bits() []bool {
	out := make([]bool, len(h)*8)
	for i := range out {
		out[i] = h[i/8]&(1<<(7-uint(i%8))) != 0
	}
	return out
}

func (h Hash) Len() int {
	return len(h) * 8
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h)
}

// Encode splits the hash into NumChunks lowercase hex chunks.
func (l Layout) Encode(h Hash) ([]string, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if h.Len() != l.Bits() {
		return nil, fmt.Errorf("%w: hash has %d bits, layout %s needs %d", ErrMalformed, h.Len(), l, l.Bits())
	}

	text := hex.EncodeToString(h)
	chunks := make([]string, 0, l.NumChunks())
	for i := 0; i < len(text); i += l.CharsPerChunk {
		chunks = append(chunks, text[i:i+l.CharsPerChunk])
	}
	return chunks, nil
}

// Decode reverses Encode. Chunks are accepted in either case.
func (l Layout) Decode(chunks []string) (Hash, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if len(chunks) != l.NumChunks() {
		return nil, fmt.Errorf("%w: got %d chunks, layout %s needs %d", ErrMalformed, len(chunks), l, l.NumChunks())
	}

	var b strings.Builder
	b.Grow(l.HexLength())
	for i, chunk := range chunks {
		if len(chunk) != l.CharsPerChunk {
			return nil, fmt.Errorf("%w: chunk %d has width %d, want %d", ErrMalformed, i, len(chunk), l.CharsPerChunk)
		}
		b.WriteString(strings.ToLower(chunk))
	}

	out, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func (l Layout) EncodeBits(bitVector []bool) ([]string, error) {
	h, err := FromBits(bitVector)
	if err != nil {
		return nil, err
	}
	return l.Encode(h)
}

func (l Layout) DecodeBits(chunks []string) ([]bool, error) {
	h, err := l.Decode(chunks)
	if err != nil {
		return nil, err
	}
	return h.Bits(), nil
}

// Distance is the Hamming distance between two hashes of equal width.
func Distance(a, b Hash) (int, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	d := 0
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d, true
}

// Score maps the distance between a and b onto 0..100 with two decimals.
func Score(a, b Hash) (float64, bool) {
	d, ok := Distance(a, b)
	if !ok {
		return 0, false
	}
	return ScoreFromDistance(d, a.Len()), true
}

func ScoreFromDistance(distance, total int) float64 {
	if total <= 0 {
		return 0
	}
	return Round(100*(1-float64(distance)/float64(total)), 2)
}

func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
