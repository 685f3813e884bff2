// Package features defines keypoints, descriptor tables and the extractor
// contract shared by the matcher, the descriptor cache and the engine.
package features

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kozaktomas/imgmatch/internal/imaging"
)

// Detector names.
const (
	DetectorSIFT = "sift"
	DetectorORB  = "orb"
)

// Descriptor widths produced by the supported detectors.
const (
	SIFTDescriptorWidth = 128 // float32 components
	ORBDescriptorWidth  = 32  // bytes, 256 bits
)

// ErrExtraction is the sentinel wrapped by every ExtractionError.
var ErrExtraction = errors.New("feature extraction failed")

// ExtractionError reports that the extractor rejected a buffer.
type ExtractionError struct {
	Detector string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction: %v", e.Detector, e.Err)
}

func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtraction, e.Err}
}

// Keypoint is a detected salient location with scale and orientation metadata.
type Keypoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size"`
	Angle    float64 `json:"angle"`
	Response float64 `json:"response"`
	Octave   int     `json:"octave"`
	ClassID  int     `json:"class_id"`
}

// DescriptorKind distinguishes float vectors (SIFT) from packed bit strings (ORB).
type DescriptorKind int

const (
	KindFloat DescriptorKind = iota + 1
	KindBinary
)

func (k DescriptorKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseDescriptorKind is the inverse of DescriptorKind.String.
func ParseDescriptorKind(s string) (DescriptorKind, error) {
	switch s {
	case "float":
		return KindFloat, nil
	case "binary":
		return KindBinary, nil
	default:
		return 0, fmt.Errorf("unknown descriptor kind %q", s)
	}
}

// DescriptorTable is the ordered descriptor set of one image. Row i belongs
// to keypoint i. Exactly one of Float and Binary is populated, matching Kind.
type DescriptorTable struct {
	Kind   DescriptorKind
	Width  int
	Float  [][]float32
	Binary [][]byte
}

// NewFloatTable builds a float table from rows.
func NewFloatTable(width int, rows [][]float32) *DescriptorTable {
	return &DescriptorTable{Kind: KindFloat, Width: width, Float: rows}
}

// NewBinaryTable builds a binary table from rows.
func NewBinaryTable(width int, rows [][]byte) *DescriptorTable {
	return &DescriptorTable{Kind: KindBinary, Width: width, Binary: rows}
}

// Len returns the number of descriptors. A nil table has none.
func (t *DescriptorTable) Len() int {
	if t == nil {
		return 0
	}
	if t.Kind == KindBinary {
		return len(t.Binary)
	}
	return len(t.Float)
}

// Validate checks that every row has the declared width and that the
// storage matches the kind.
func (t *DescriptorTable) Validate() error {
	if t == nil {
		return errors.New("nil descriptor table")
	}
	if t.Width <= 0 {
		return fmt.Errorf("invalid descriptor width %d", t.Width)
	}
	switch t.Kind {
	case KindFloat:
		if len(t.Binary) > 0 {
			return errors.New("float table carries binary rows")
		}
		for i, row := range t.Float {
			if len(row) != t.Width {
				return fmt.Errorf("descriptor %d has width %d, want %d", i, len(row), t.Width)
			}
		}
	case KindBinary:
		if len(t.Float) > 0 {
			return errors.New("binary table carries float rows")
		}
		for i, row := range t.Binary {
			if len(row) != t.Width {
				return fmt.Errorf("descriptor %d has width %d, want %d", i, len(row), t.Width)
			}
		}
	default:
		return fmt.Errorf("unknown descriptor kind %s", t.Kind)
	}
	return nil
}

// Compatible reports whether two tables can be matched against each other.
func (t *DescriptorTable) Compatible(other *DescriptorTable) bool {
	return t != nil && other != nil && t.Kind == other.Kind && t.Width == other.Width
}

// Fingerprint is the keypoint and descriptor pair representing one image.
// Width and Height are the dimensions of the buffer the features were
// extracted from, before any internal downscaling.
type Fingerprint struct {
	Keypoints   []Keypoint
	Descriptors *DescriptorTable
	Width       int
	Height      int
}

// Shape returns the shape of the source image.
func (f *Fingerprint) Shape() imaging.Shape {
	return imaging.Shape{Height: f.Height, Width: f.Width, Channels: imaging.Channels}
}

// Empty reports whether no keypoints were found.
func (f *Fingerprint) Empty() bool {
	return f == nil || len(f.Keypoints) == 0
}

// Config fixes the extractor behaviour. Extraction is deterministic for a
// given Config and input buffer.
type Config struct {
	Detector     string
	MaxFeatures  int
	MaxDimension int
}

// Normalize lower-cases the detector name.
func (c Config) Normalize() Config {
	c.Detector = strings.ToLower(strings.TrimSpace(c.Detector))
	return c
}

// Validate checks the detector name and limits.
func (c Config) Validate() error {
	switch c.Detector {
	case DetectorSIFT, DetectorORB:
	default:
		return fmt.Errorf("unknown detector %q (want %s or %s)", c.Detector, DetectorSIFT, DetectorORB)
	}
	if c.MaxFeatures < 0 {
		return fmt.Errorf("max features must not be negative, got %d", c.MaxFeatures)
	}
	if c.MaxDimension < 0 {
		return fmt.Errorf("max dimension must not be negative, got %d", c.MaxDimension)
	}
	return nil
}

// DescriptorKind returns the kind of descriptors the detector produces.
func (c Config) DescriptorKind() DescriptorKind {
	if c.Detector == DetectorORB {
		return KindBinary
	}
	return KindFloat
}

// DescriptorWidth returns the row width the detector produces.
func (c Config) DescriptorWidth() int {
	if c.Detector == DetectorORB {
		return ORBDescriptorWidth
	}
	return SIFTDescriptorWidth
}

// Signature identifies the configuration in cached records. Two configs
// with equal signatures produce interchangeable fingerprints.
func (c Config) Signature() string {
	return fmt.Sprintf("%s/n=%d/dim=%d", c.Detector, c.MaxFeatures, c.MaxDimension)
}

// Extractor computes fingerprints from pixel buffers. Implementations must
// be safe for concurrent use.
type Extractor interface {
	Extract(ctx context.Context, buf *imaging.PixelBuffer) (*Fingerprint, error)
	Config() Config
}
