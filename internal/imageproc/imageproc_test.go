package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.NRGBA {
	img := imaging.New(w, h, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	for x := 0; x < w; x++ {
		img.Set(x, x*h/w, color.NRGBA{R: 255, A: 255})
	}
	return img
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, testImage(w, h), imaging.JPEG))
	return buf.Bytes()
}

func TestSniffFormat(t *testing.T) {
	avifHeader := append([]byte{0, 0, 0, 0x1c}, []byte("ftypavif\x00\x00\x00\x00avifmif1miaf")...)
	heicHeader := append([]byte{0, 0, 0, 0x18}, []byte("ftypheic\x00\x00\x00\x00mif1heic")...)

	tests := []struct {
		name   string
		header []byte
		want   Format
		err    error
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10}, FormatJPEG, nil},
		{"png", []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}, FormatPNG, nil},
		{"webp", []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), FormatWebP, nil},
		{"avif", avifHeader, FormatAVIF, nil},
		{"heic is not avif", heicHeader, "", ErrInvalidHeader},
		{"text", []byte("this is definitely not an image"), "", ErrInvalidHeader},
		{"riff without webp", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), "", ErrInvalidHeader},
		{"empty", nil, "", ErrInvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SniffFormat(tt.header)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatExtAndMIME(t *testing.T) {
	assert.Equal(t, "jpg", FormatJPEG.Ext())
	assert.Equal(t, "webp", FormatWebP.Ext())
	assert.Equal(t, "image/avif", FormatAVIF.MIME())

	f, ok := ParseExt("jpeg")
	assert.True(t, ok)
	assert.Equal(t, FormatJPEG, f)
	_, ok = ParseExt("gif")
	assert.False(t, ok)
}

func TestInspectJPEG(t *testing.T) {
	meta, err := Inspect(encodeJPEG(t, 800, 600))
	require.NoError(t, err)
	assert.Equal(t, 800, meta.Width)
	assert.Equal(t, 600, meta.Height)
	assert.Equal(t, FormatJPEG, meta.Format)
	assert.Equal(t, 3, meta.Channels)
	assert.Equal(t, 800, meta.LongEdge())
	assert.Equal(t, "jpeg", meta.Map()["format"])
}

func TestInspectPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, testImage(40, 30), imaging.PNG))

	meta, err := Inspect(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, meta.Format)
	assert.Equal(t, 40, meta.Width)
	assert.Equal(t, 3, meta.Channels)
}

func TestInspectRejectsFakeImage(t *testing.T) {
	_, err := Inspect([]byte("GIF89a but really just text"))
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestValidateDimensions(t *testing.T) {
	assert.NoError(t, ValidateDimensions(&Metadata{Width: 10000, Height: 10000}, 10000))
	assert.ErrorIs(t, ValidateDimensions(&Metadata{Width: 10001, Height: 10}, 10000), ErrDimensionsTooLarge)
	assert.ErrorIs(t, ValidateDimensions(&Metadata{Width: 10, Height: 10001}, 10000), ErrDimensionsTooLarge)
	assert.ErrorIs(t, ValidateDimensions(&Metadata{}, 10000), ErrMissingDimensions)
}

func TestJFIFDensity(t *testing.T) {
	header := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x01, 0x01, 0x2C, 0x01, 0x2C}
	assert.Equal(t, 300, jfifDensity(header))

	header[13] = 2
	header[14], header[15] = 0, 118
	assert.Equal(t, 300, jfifDensity(header))

	header[13] = 0
	assert.Equal(t, 0, jfifDensity(header))
}

func TestThumbnailIsExactSquare(t *testing.T) {
	thumb := Thumbnail(testImage(800, 600), 200)
	assert.Equal(t, 200, thumb.Bounds().Dx())
	assert.Equal(t, 200, thumb.Bounds().Dy())

	small := Thumbnail(testImage(50, 20), 200)
	assert.Equal(t, 200, small.Bounds().Dx())
	assert.Equal(t, 200, small.Bounds().Dy())
}

func TestFitInsideNeverEnlarges(t *testing.T) {
	src := testImage(800, 600)

	same := FitInside(src, 1024)
	assert.Equal(t, 800, same.Bounds().Dx())
	assert.Equal(t, 600, same.Bounds().Dy())

	shrunk := FitInside(src, 320)
	assert.Equal(t, 320, shrunk.Bounds().Dx())
	assert.Equal(t, 240, shrunk.Bounds().Dy())

	portrait := FitInside(testImage(600, 800), 640)
	assert.Equal(t, 480, portrait.Bounds().Dx())
	assert.Equal(t, 640, portrait.Bounds().Dy())
}

func TestEncodeFormats(t *testing.T) {
	img := testImage(64, 48)
	q := Quality{JPEG: 85, WebP: 80, AVIF: 60}

	for _, f := range ResponsiveFormats {
		t.Run(string(f), func(t *testing.T) {
			data, err := Encode(img, f, q)
			require.NoError(t, err)
			got, err := SniffFormat(data[:min(len(data), HeaderSize)])
			require.NoError(t, err)
			assert.Equal(t, f, got)

			meta, err := Inspect(data)
			require.NoError(t, err)
			assert.Equal(t, 64, meta.Width)
			assert.Equal(t, 48, meta.Height)
		})
	}

	_, err := Encode(img, Format("gif"), q)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDecodeRoundTripDimensions(t *testing.T) {
	img, err := Decode(encodeJPEG(t, 120, 90))
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())

	_, err = Decode([]byte("nope"))
	assert.Error(t, err)
}

func TestExtractExifWithoutExifIsEmpty(t *testing.T) {
	assert.Empty(t, ExtractExif(encodeJPEG(t, 32, 32), FormatJPEG))
	assert.Empty(t, ExtractExif([]byte{0xFF, 0xD8, 0xFF, 0xE1, 0x00}, FormatJPEG))
	assert.Empty(t, ExtractExif([]byte("RIFF\x00\x00\x00\x00WEBP"), FormatWebP))
}

func TestDensityFromExif(t *testing.T) {
	assert.Equal(t, 72, DensityFromExif(map[string]any{"XResolution": "72/1"}))
	assert.Equal(t, 300, DensityFromExif(map[string]any{"XResolution": "600/2", "ResolutionUnit": "2"}))
	assert.Equal(t, 300, DensityFromExif(map[string]any{"XResolution": "118/1", "ResolutionUnit": "3"}))
	assert.Equal(t, 0, DensityFromExif(map[string]any{"XResolution": "1/0"}))
	assert.Equal(t, 0, DensityFromExif(map[string]any{}))
}

func TestWatermark(t *testing.T) {
	src := testImage(300, 200)

	same, err := Watermark(src, "")
	require.NoError(t, err)
	assert.Same(t, src, same)

	marked, err := Watermark(src, "(c) imagepipe")
	require.NoError(t, err)
	assert.Equal(t, src.Bounds().Size(), marked.Bounds().Size())
}
