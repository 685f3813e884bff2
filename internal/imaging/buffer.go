package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

// Channels is the number of samples per pixel in a PixelBuffer.
const Channels = 3

// ErrEmptyBuffer is returned for buffers without pixels.
var ErrEmptyBuffer = errors.New("empty pixel buffer")

// Shape is the height x width x channels triple of a pixel buffer.
type Shape struct {
	Height   int
	Width    int
	Channels int
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Height, s.Width, s.Channels)
}

// PixelBuffer is a decoded colour image. Samples are stored row-major in
// BGR order, the same layout OpenCV uses for CV_8UC3 matrices.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewPixelBuffer allocates a zeroed buffer of the given size.
func NewPixelBuffer(width, height int) (*PixelBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid buffer size %dx%d: %w", width, height, ErrEmptyBuffer)
	}
	return &PixelBuffer{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*Channels),
	}, nil
}

// Shape returns the buffer shape. A nil buffer has the zero shape.
func (b *PixelBuffer) Shape() Shape {
	if b == nil {
		return Shape{}
	}
	return Shape{Height: b.Height, Width: b.Width, Channels: Channels}
}

// Validate checks that the buffer is non-empty and its sample slice matches its size.
func (b *PixelBuffer) Validate() error {
	if b == nil || b.Width <= 0 || b.Height <= 0 {
		return ErrEmptyBuffer
	}
	if len(b.Pix) != b.Width*b.Height*Channels {
		return fmt.Errorf("pixel buffer %dx%d has %d samples, want %d",
			b.Width, b.Height, len(b.Pix), b.Width*b.Height*Channels)
	}
	return nil
}

// SetBGR sets the pixel at (x, y).
func (b *PixelBuffer) SetBGR(x, y int, blue, green, red uint8) {
	i := (y*b.Width + x) * Channels
	b.Pix[i] = blue
	b.Pix[i+1] = green
	b.Pix[i+2] = red
}

// Fill paints every pixel with the given colour.
func (b *PixelBuffer) Fill(blue, green, red uint8) {
	for i := 0; i < len(b.Pix); i += Channels {
		b.Pix[i] = blue
		b.Pix[i+1] = green
		b.Pix[i+2] = red
	}
}

// Clone returns a deep copy of the buffer.
func (b *PixelBuffer) Clone() *PixelBuffer {
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	return &PixelBuffer{Width: b.Width, Height: b.Height, Pix: pix}
}

// Luminance converts the buffer to a single channel using the ITU-R BT.601
// luma weights, rounded to 8 bits like OpenCV's BGR2GRAY.
func (b *PixelBuffer) Luminance() []uint8 {
	gray := make([]uint8, b.Width*b.Height)
	for i := range gray {
		p := b.Pix[i*Channels : i*Channels+Channels]
		luma := 0.114*float64(p[0]) + 0.587*float64(p[1]) + 0.299*float64(p[2])
		gray[i] = uint8(math.Min(255, math.Round(luma)))
	}
	return gray
}

// FromImage converts any image.Image into a PixelBuffer.
func FromImage(img image.Image) (*PixelBuffer, error) {
	bounds := img.Bounds()
	buf, err := NewPixelBuffer(bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, err
	}

	for y := range buf.Height {
		for x := range buf.Width {
			// Alpha is dropped without premultiplying it into the colour.
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			buf.SetBGR(x, y, c.B, c.G, c.R)
		}
	}
	return buf, nil
}

// ToImage converts the buffer back into an RGBA image.
func (b *PixelBuffer) ToImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := range b.Height {
		for x := range b.Width {
			src := (y*b.Width + x) * Channels
			dst := img.PixOffset(x, y)
			img.Pix[dst] = b.Pix[src+2]
			img.Pix[dst+1] = b.Pix[src+1]
			img.Pix[dst+2] = b.Pix[src]
			img.Pix[dst+3] = 0xff
		}
	}
	return img
}
