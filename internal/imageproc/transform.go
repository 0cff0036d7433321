package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

type Quality struct {
	JPEG int
	WebP int
	AVIF int
}

func Decode(data []byte) (image.Image, error) {
	const op = "imageproc.Decode"

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// Thumbnail cover-crops img to a size x size square.
func Thumbnail(img image.Image, size int) *image.NRGBA {
	return imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
}

// FitInside scales img so its long edge is at most bound. Images already
// within bound are returned unscaled.
func FitInside(img image.Image, bound int) image.Image {
	b := img.Bounds()
	if b.Dx() <= bound && b.Dy() <= bound {
		return img
	}
	return imaging.Fit(img, bound, bound, imaging.Lanczos)
}

func Encode(img image.Image, format Format, q Quality) ([]byte, error) {
	const op = "imageproc.Encode"

	var (
		buf bytes.Buffer
		err error
	)
	switch format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q.JPEG))
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatWebP:
		err = webp.Encode(&buf, img, webp.Options{Quality: q.WebP, Method: 4})
	case FormatAVIF:
		err = avif.Encode(&buf, img, avif.Options{Quality: q.AVIF, QualityAlpha: q.AVIF, Speed: 8})
	default:
		return nil, fmt.Errorf("%s: %w: %s", op, ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, format, err)
	}
	return buf.Bytes(), nil
}

var (
	fontOnce sync.Once
	wmFont   *truetype.Font
	fontErr  error
)

// Watermark draws text in the bottom-left corner at half opacity.
func Watermark(img image.Image, text string) (image.Image, error) {
	const op = "imageproc.Watermark"

	if text == "" {
		return img, nil
	}
	fontOnce.Do(func() {
		wmFont, fontErr = freetype.ParseFont(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fmt.Errorf("%s: %w", op, fontErr)
	}

	b := img.Bounds()
	size := max(12, float64(b.Dx())/30)
	layer := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(wmFont)
	c.SetFontSize(size)
	c.SetClip(layer.Bounds())
	c.SetDst(layer)
	c.SetSrc(image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 255}))

	margin := int(size / 2)
	if _, err := c.DrawString(text, freetype.Pt(margin, b.Dy()-margin)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return imaging.Overlay(img, layer, image.Point{}, 0.5), nil
}
