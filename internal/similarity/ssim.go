package similarity

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/imgmatch/internal/imaging"
)

// SSIM parameters. The window is uniform and the variances use the sample
// normalisation, matching the usual scikit-image defaults for 8-bit input.
const (
	SSIMWindow    = 7
	SSIMK1        = 0.01
	SSIMK2        = 0.03
	SSIMDataRange = 255.0
)

// ErrShapeMismatch is returned by StructuralScore for differently shaped buffers.
var ErrShapeMismatch = errors.New("buffers differ in shape")

// StructuralScore returns the mean structural similarity of the luminance
// of two equally shaped buffers, clamped to [0, 1]. Identical buffers
// score 1.
//
// The index is averaged over every window that lies fully inside the
// image. Images narrower than the default window use the largest odd
// window that fits, down to 3; below that a single window covers the
// whole image.
func StructuralScore(a, b *imaging.PixelBuffer) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if a.Shape() != b.Shape() {
		return 0, fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a.Shape(), b.Shape())
	}

	x := a.Luminance()
	y := b.Luminance()
	return Clamp01(meanSSIM(x, y, a.Width, a.Height)), nil
}

func meanSSIM(x, y []uint8, width, height int) float64 {
	win := SSIMWindow
	if m := min(width, height); m < win {
		win = m
		if win%2 == 0 {
			win--
		}
	}
	if win < 3 {
		return globalSSIM(x, y)
	}

	ix := newIntegral(x, nil, width, height)
	iy := newIntegral(y, nil, width, height)
	ixx := newIntegral(x, x, width, height)
	iyy := newIntegral(y, y, width, height)
	ixy := newIntegral(x, y, width, height)

	np := float64(win * win)
	var total float64
	var count int
	for top := 0; top+win <= height; top++ {
		for left := 0; left+win <= width; left++ {
			total += ssimIndex(
				float64(ix.sum(left, top, win)),
				float64(iy.sum(left, top, win)),
				float64(ixx.sum(left, top, win)),
				float64(iyy.sum(left, top, win)),
				float64(ixy.sum(left, top, win)),
				np,
			)
			count++
		}
	}
	return total / float64(count)
}

func globalSSIM(x, y []uint8) float64 {
	var sx, sy, sxx, syy, sxy int64
	for i := range x {
		a, b := int64(x[i]), int64(y[i])
		sx += a
		sy += b
		sxx += a * a
		syy += b * b
		sxy += a * b
	}
	return ssimIndex(float64(sx), float64(sy), float64(sxx), float64(syy), float64(sxy), float64(len(x)))
}

// ssimIndex evaluates SSIM for one window from its raw sums over np samples.
func ssimIndex(sx, sy, sxx, syy, sxy, np float64) float64 {
	c1 := (SSIMK1 * SSIMDataRange) * (SSIMK1 * SSIMDataRange)
	c2 := (SSIMK2 * SSIMDataRange) * (SSIMK2 * SSIMDataRange)

	covNorm := 1.0
	if np > 1 {
		covNorm = np / (np - 1)
	}

	ux, uy := sx/np, sy/np
	vx := covNorm * (sxx/np - ux*ux)
	vy := covNorm * (syy/np - uy*uy)
	vxy := covNorm * (sxy/np - ux*uy)

	num := (2*ux*uy + c1) * (2*vxy + c2)
	den := (ux*ux + uy*uy + c1) * (vx + vy + c2)
	return num / den
}

// integral is a summed-area table of a sample plane or of the product of
// two planes.
type integral struct {
	stride int
	table  []int64
}

func newIntegral(a, b []uint8, width, height int) *integral {
	stride := width + 1
	table := make([]int64, stride*(height+1))
	for y := range height {
		var row int64
		for x := range width {
			v := int64(a[y*width+x])
			if b != nil {
				v *= int64(b[y*width+x])
			}
			row += v
			table[(y+1)*stride+x+1] = table[y*stride+x+1] + row
		}
	}
	return &integral{stride: stride, table: table}
}

// sum returns the total over the win x win square with top-left (left, top).
func (s *integral) sum(left, top, win int) int64 {
	r0, r1 := top*s.stride, (top+win)*s.stride
	c0, c1 := left, left+win
	return s.table[r1+c1] - s.table[r0+c1] - s.table[r1+c0] + s.table[r0+c0]
}
