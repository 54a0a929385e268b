package fingerprint

import (
	"image"
	"math"
	"math/bits"
	"sort"

	"golang.org/x/image/draw"
)

// maxScaleFactor bounds the working resolution to gridSize*16 per side.
const maxScaleFactor = 16

// waveletHash resamples img to a power-of-two grayscale square, removes the
// lowest-frequency Haar coefficient, reduces the square to gridSize x gridSize
// approximation coefficients and thresholds them against their median.
func waveletHash(img image.Image, gridSize int) (Hash, error) {
	scale := workingScale(img.Bounds(), gridSize)

	gray := image.NewGray(image.Rect(0, 0, scale, scale))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	values := make([]float64, scale*scale)
	for y := 0; y < scale; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+scale]
		for x, px := range row {
			values[y*scale+x] = float64(px) / 255
		}
	}

	for n := scale; n > 1; n /= 2 {
		haarForward(values, scale, n)
	}
	values[0] = 0
	for n := 2; n <= scale; n *= 2 {
		haarInverse(values, scale, n)
	}

	for n := scale; n > gridSize; n /= 2 {
		haarForward(values, scale, n)
	}

	low := make([]float64, 0, gridSize*gridSize)
	for y := 0; y < gridSize; y++ {
		low = append(low, values[y*scale:y*scale+gridSize]...)
	}

	med := median(low)
	bitVector := make([]bool, len(low))
	for i, v := range low {
		bitVector[i] = v > med
	}
	return FromBits(bitVector)
}

func workingScale(bounds image.Rectangle, gridSize int) int {
	short := min(bounds.Dx(), bounds.Dy())
	scale := gridSize
	if short > 0 {
		scale = 1 << (bits.Len(uint(short)) - 1)
	}
	return max(gridSize, min(scale, gridSize*maxScaleFactor))
}

var invSqrt2 = 1 / math.Sqrt2

// haarForward applies one level of the 2D Haar transform to the top-left
// n x n block of a square matrix with the given stride.
func haarForward(m []float64, stride, n int) {
	half := n / 2
	tmp := make([]float64, n)
	for y := 0; y < n; y++ {
		row := m[y*stride : y*stride+n]
		for i := 0; i < half; i++ {
			a, b := row[2*i], row[2*i+1]
			tmp[i] = (a + b) * invSqrt2
			tmp[half+i] = (a - b) * invSqrt2
		}
		copy(row, tmp)
	}
	for x := 0; x < n; x++ {
		for i := 0; i < half; i++ {
			a, b := m[(2*i)*stride+x], m[(2*i+1)*stride+x]
			tmp[i] = (a + b) * invSqrt2
			tmp[half+i] = (a - b) * invSqrt2
		}
		for i := 0; i < n; i++ {
			m[i*stride+x] = tmp[i]
		}
	}
}

func haarInverse(m []float64, stride, n int) {
	half := n / 2
	tmp := make([]float64, n)
	for x := 0; x < n; x++ {
		for i := 0; i < half; i++ {
			a, d := m[i*stride+x], m[(half+i)*stride+x]
			tmp[2*i] = (a + d) * invSqrt2
			tmp[2*i+1] = (a - d) * invSqrt2
		}
		for i := 0; i < n; i++ {
			m[i*stride+x] = tmp[i]
		}
	}
	for y := 0; y < n; y++ {
		row := m[y*stride : y*stride+n]
		for i := 0; i < half; i++ {
			a, d := row[i], row[half+i]
			tmp[2*i] = (a + d) * invSqrt2
			tmp[2*i+1] = (a - d) * invSqrt2
		}
		copy(row, tmp)
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
