// Package opencv implements features.Extractor with OpenCV's SIFT and ORB
// detectors through gocv.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gocv.io/x/gocv"

	"github.com/kozaktomas/imgmatch/internal/features"
	"github.com/kozaktomas/imgmatch/internal/imaging"
)

// Extractor detects keypoints and computes descriptors with OpenCV.
// A detector instance is created per call, so Extractor is safe for
// concurrent use.
type Extractor struct {
	cfg features.Config
}

// New creates an extractor for the given configuration.
func New(cfg features.Config) (*Extractor, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{cfg: cfg}, nil
}

// Config returns the extractor configuration.
func (e *Extractor) Config() features.Config {
	return e.cfg
}

// Extract computes the fingerprint of buf. Solid or featureless images
// yield an empty fingerprint, not an error.
func (e *Extractor) Extract(ctx context.Context, buf *imaging.PixelBuffer) (*features.Fingerprint, error) {
	if err := buf.Validate(); err != nil {
		return nil, &features.ExtractionError{Detector: e.cfg.Detector, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	work := imaging.Downscale(buf, e.cfg.MaxDimension)
	scaleX := float64(buf.Width) / float64(work.Width)
	scaleY := float64(buf.Height) / float64(work.Height)

	src, err := gocv.NewMatFromBytes(work.Height, work.Width, gocv.MatTypeCV8UC3, work.Pix)
	if err != nil {
		return nil, &features.ExtractionError{Detector: e.cfg.Detector, Err: err}
	}
	defer src.Close()
	if src.Empty() {
		return nil, &features.ExtractionError{Detector: e.cfg.Detector, Err: errors.New("empty matrix")}
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	mask := gocv.NewMat()
	defer mask.Close()

	var kps []gocv.KeyPoint
	var desc gocv.Mat
	switch e.cfg.Detector {
	case features.DetectorSIFT:
		sift := gocv.NewSIFT()
		defer sift.Close()
		kps, desc = sift.DetectAndCompute(gray, mask)
	case features.DetectorORB:
		orb := gocv.NewORB()
		defer orb.Close()
		kps, desc = orb.DetectAndCompute(gray, mask)
	default:
		return nil, &features.ExtractionError{Detector: e.cfg.Detector, Err: fmt.Errorf("unknown detector")}
	}
	defer desc.Close()

	fp := &features.Fingerprint{Width: buf.Width, Height: buf.Height}
	if len(kps) == 0 || desc.Empty() {
		fp.Descriptors = e.emptyTable()
		return fp, nil
	}
	if desc.Rows() != len(kps) || desc.Cols() != e.cfg.DescriptorWidth() {
		return nil, &features.ExtractionError{
			Detector: e.cfg.Detector,
			Err: fmt.Errorf("descriptor matrix %dx%d does not fit %d keypoints of width %d",
				desc.Rows(), desc.Cols(), len(kps), e.cfg.DescriptorWidth()),
		}
	}

	order := strongest(kps, e.cfg.MaxFeatures)
	fp.Keypoints = make([]features.Keypoint, len(order))
	for i, idx := range order {
		kp := kps[idx]
		fp.Keypoints[i] = features.Keypoint{
			X:        kp.X * scaleX,
			Y:        kp.Y * scaleY,
			Size:     kp.Size * scaleX,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
			ClassID:  kp.ClassID,
		}
	}

	width := e.cfg.DescriptorWidth()
	switch e.cfg.DescriptorKind() {
	case features.KindFloat:
		rows := make([][]float32, len(order))
		for i, idx := range order {
			row := make([]float32, width)
			for c := range width {
				row[c] = desc.GetFloatAt(idx, c)
			}
			rows[i] = row
		}
		fp.Descriptors = features.NewFloatTable(width, rows)
	case features.KindBinary:
		rows := make([][]byte, len(order))
		for i, idx := range order {
			row := make([]byte, width)
			for c := range width {
				row[c] = desc.GetUCharAt(idx, c)
			}
			rows[i] = row
		}
		fp.Descriptors = features.NewBinaryTable(width, rows)
	}

	return fp, nil
}

func (e *Extractor) emptyTable() *features.DescriptorTable {
	if e.cfg.DescriptorKind() == features.KindBinary {
		return features.NewBinaryTable(e.cfg.DescriptorWidth(), nil)
	}
	return features.NewFloatTable(e.cfg.DescriptorWidth(), nil)
}

// strongest returns the indices of the n keypoints with the highest
// response, in detection order. n <= 0 keeps all of them.
func strongest(kps []gocv.KeyPoint, n int) []int {
	idx := make([]int, len(kps))
	for i := range idx {
		idx[i] = i
	}
	if n <= 0 || n >= len(kps) {
		return idx
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return kps[idx[a]].Response > kps[idx[b]].Response
	})
	idx = idx[:n]
	sort.Ints(idx)
	return idx
}
