package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode is the sentinel wrapped by every DecodeError.
	ErrDecode = errors.New("image decode failed")
	// ErrTooManyPixels is returned for images whose declared size exceeds the pixel limit.
	ErrTooManyPixels = errors.New("image has too many pixels")
)

// DecodeError reports that the bytes behind an address could not be turned
// into a pixel buffer.
type DecodeError struct {
	Address string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Address, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Decode decodes JPEG, PNG, GIF, BMP, TIFF or WebP data into a pixel buffer.
func Decode(data []byte) (*PixelBuffer, error) {
	return DecodeLimited(data, 0)
}

// DecodeLimited is Decode with a cap on width*height. The header is checked
// before any pixel memory is allocated. A maxPixels of 0 disables the cap.
func DecodeLimited(data []byte, maxPixels int64) (*PixelBuffer, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("no image data")}
	}

	if maxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
			return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d exceeds %d", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)}
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	buf, err := FromImage(img)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return buf, nil
}

// Downscale returns a copy of buf whose longer side is at most maxDim,
// keeping the aspect ratio. The input is returned unchanged when it already
// fits or maxDim is not positive.
func Downscale(buf *PixelBuffer, maxDim int) *PixelBuffer {
	if maxDim <= 0 || (buf.Width <= maxDim && buf.Height <= maxDim) {
		return buf
	}

	width, height := buf.Width, buf.Height
	if width > height {
		height = max(1, height*maxDim/width)
		width = maxDim
	} else {
		width = max(1, width*maxDim/height)
		height = maxDim
	}

	src := buf.ToImage()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out, err := FromImage(dst)
	if err != nil {
		return buf
	}
	return out
}
