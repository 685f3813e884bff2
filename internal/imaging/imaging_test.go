package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	data := encodePNG(t, 4, 3, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	buf, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Shape{Height: 3, Width: 4, Channels: 3}, buf.Shape())
	require.NoError(t, buf.Validate())

	// BGR order
	assert.Equal(t, []uint8{50, 100, 200}, buf.Pix[:3])
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"garbage", []byte("definitely not an image")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode))
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

// hugePNG returns a valid PNG whose header declares width x height pixels.
// Only the header is consistent, the pixel data is that of a 2x2 image.
func hugePNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := encodePNG(t, 2, 2, color.White)
	// IHDR: length(4) type(4) width(4) height(4) ... crc over type+data
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeLimited(t *testing.T) {
	t.Run("HeaderOverLimit", func(t *testing.T) {
		_, err := DecodeLimited(hugePNG(t, 60000, 60000), 100_000_000)
		assert.ErrorIs(t, err, ErrTooManyPixels)
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("Boundary", func(t *testing.T) {
		data := encodePNG(t, 4, 3, color.Black)
		buf, err := DecodeLimited(data, 12)
		require.NoError(t, err)
		assert.Equal(t, 4, buf.Width)

		_, err = DecodeLimited(data, 11)
		assert.ErrorIs(t, err, ErrTooManyPixels)
	})

	t.Run("NoLimit", func(t *testing.T) {
		_, err := DecodeLimited(encodePNG(t, 4, 3, color.Black), 0)
		assert.NoError(t, err)
	})
}

func TestFromImage_DropsAlphaWithoutPremultiplying(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 128})
	img.SetNRGBA(1, 0, color.NRGBA{R: 30, G: 20, B: 10, A: 0})

	buf, err := FromImage(img)
	require.NoError(t, err)
	assert.Equal(t, []uint8{50, 100, 200, 10, 20, 30}, buf.Pix)
}

func TestPixelBuffer_Validate(t *testing.T) {
	var nilBuf *PixelBuffer
	assert.ErrorIs(t, nilBuf.Validate(), ErrEmptyBuffer)
	assert.ErrorIs(t, (&PixelBuffer{}).Validate(), ErrEmptyBuffer)
	assert.Error(t, (&PixelBuffer{Width: 2, Height: 2, Pix: make([]uint8, 5)}).Validate())

	_, err := NewPixelBuffer(0, 10)
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestLuminance(t *testing.T) {
	buf, err := NewPixelBuffer(2, 1)
	require.NoError(t, err)
	buf.SetBGR(0, 0, 0, 0, 255)
	buf.SetBGR(1, 0, 255, 255, 255)

	gray := buf.Luminance()
	assert.Equal(t, []uint8{76, 255}, gray)
}

func TestDownscale(t *testing.T) {
	buf, err := NewPixelBuffer(400, 200)
	require.NoError(t, err)
	buf.Fill(10, 20, 30)

	small := Downscale(buf, 100)
	assert.Equal(t, 100, small.Width)
	assert.Equal(t, 50, small.Height)
	assert.InDelta(t, 10, int(small.Pix[0]), 1)
	assert.InDelta(t, 20, int(small.Pix[1]), 1)
	assert.InDelta(t, 30, int(small.Pix[2]), 1)

	assert.Same(t, buf, Downscale(buf, 0))
	assert.Same(t, buf, Downscale(buf, 400))
}

func TestImageRoundTrip(t *testing.T) {
	buf, err := NewPixelBuffer(3, 2)
	require.NoError(t, err)
	for i := range buf.Pix {
		buf.Pix[i] = uint8(i * 10)
	}

	back, err := FromImage(buf.ToImage())
	require.NoError(t, err)
	assert.Equal(t, buf.Pix, back.Pix)
}

func TestHTTPFetcher_Supports(t *testing.T) {
	f := NewHTTPFetcher(time.Second, 0, "")
	tests := []struct {
		address string
		want    bool
	}{
		{"https://api.example.com/Media/ME123", true},
		{"http://localhost:8080/a.png", true},
		{"ftp://example.com/a.png", false},
		{"/tmp/a.png", false},
		{"https://", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.address, func(t *testing.T) {
			assert.Equal(t, tc.want, f.Supports(tc.address))
		})
	}
}

func TestFileFetcher_Supports(t *testing.T) {
	f := NewFileFetcher(0)
	assert.True(t, f.Supports("/tmp/a.png"))
	assert.True(t, f.Supports("relative/a.png"))
	assert.True(t, f.Supports("file:///tmp/a.png"))
	assert.False(t, f.Supports("https://example.com/a.png"))
	assert.False(t, f.Supports(""))
}

func TestSource_LoadHTTP(t *testing.T) {
	data := encodePNG(t, 5, 5, color.White)
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/ok.png":
			w.Write(data)
		case "/garbage":
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	src := DefaultSource(5*time.Second, 1<<20, "imgmatch-test")
	ctx := context.Background()

	buf, err := src.Load(ctx, server.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, 5, buf.Width)
	assert.Equal(t, "imgmatch-test", gotUA)

	_, err = src.Load(ctx, server.URL+"/missing.png")
	assert.ErrorIs(t, err, ErrDecode)

	_, err = src.Load(ctx, server.URL+"/garbage")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, server.URL+"/garbage", de.Address)
}

func TestSource_MaxBytes(t *testing.T) {
	data := encodePNG(t, 64, 64, color.White)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer server.Close()

	src := NewSource(NewHTTPFetcher(time.Second, 16, ""))
	_, err := src.Load(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestSource_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, 7, 9, color.Black), 0o600))

	src := DefaultSource(time.Second, 0, "")
	buf, err := src.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, Shape{Height: 9, Width: 7, Channels: 3}, buf.Shape())

	buf, err = src.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, 7, buf.Width)
}

func TestSource_Unsupported(t *testing.T) {
	src := NewSource(NewHTTPFetcher(time.Second, 0, ""))
	assert.False(t, src.Supports("/local/file.png"))

	_, err := src.Load(context.Background(), "/local/file.png")
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestSource_MaxPixels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bomb.png")
	require.NoError(t, os.WriteFile(path, hugePNG(t, 50000, 50000), 0o600))

	src := NewSource(NewFileFetcher(0)).WithMaxPixels(1_000_000)
	_, err := src.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrTooManyPixels)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, path, de.Address)
}

func TestHTTPSource_RejectsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, 3, 3, color.Black), 0o600))

	src := HTTPSource(time.Second, 0, "")
	assert.False(t, src.Supports(path))
	assert.False(t, src.Supports("file://"+path))
	assert.True(t, src.Supports("https://example.com/a.png"))

	_, err := src.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
}
