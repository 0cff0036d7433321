package imageproc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"

	_ "github.com/gen2brain/avif"
	_ "github.com/gen2brain/webp"
)

type Metadata struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   Format `json:"format"`
	Channels int    `json:"channels"`
	Density  int    `json:"density,omitempty"`
}

func (m Metadata) LongEdge() int {
	return max(m.Width, m.Height)
}

func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"width":    m.Width,
		"height":   m.Height,
		"format":   string(m.Format),
		"channels": m.Channels,
	}
	if m.Density > 0 {
		out["density"] = m.Density
	}
	return out
}

// Inspect sniffs the container and reads its header metadata. Pixel data is
// not decoded.
func Inspect(data []byte) (*Metadata, error) {
	const op = "imageproc.Inspect"

	format, err := SniffFormat(data[:min(len(data), HeaderSize)])
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrMissingDimensions
	}

	meta := &Metadata{
		Width:    cfg.Width,
		Height:   cfg.Height,
		Format:   format,
		Channels: channels(cfg.ColorModel),
	}
	switch format {
	case FormatPNG:
		if ch := pngChannels(data); ch > 0 {
			meta.Channels = ch
		}
	case FormatJPEG:
		meta.Density = jfifDensity(data)
	}
	return meta, nil
}

// ValidateDimensions rejects images whose width or height exceed limit.
func ValidateDimensions(meta *Metadata, limit int) error {
	if meta.Width <= 0 || meta.Height <= 0 {
		return ErrMissingDimensions
	}
	if meta.Width > limit || meta.Height > limit {
		return ErrDimensionsTooLarge
	}
	return nil
}

func channels(m color.Model) int {
	switch m {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.YCbCrModel:
		return 3
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.CMYKModel, color.NYCbCrAModel:
		return 4
	}
	return 3
}

// pngChannels reads the IHDR colour type.
func pngChannels(data []byte) int {
	if len(data) < 26 || string(data[12:16]) != "IHDR" {
		return 0
	}
	switch data[25] {
	case 0:
		return 1
	case 2, 3:
		return 3
	case 4:
		return 2
	case 6:
		return 4
	}
	return 0
}

// jfifDensity returns the horizontal density in dpi from an APP0 JFIF
// segment, or 0.
func jfifDensity(data []byte) int {
	if len(data) < 18 || data[2] != 0xFF || data[3] != 0xE0 || string(data[6:11]) != "JFIF\x00" {
		return 0
	}
	units := data[13]
	x := int(binary.BigEndian.Uint16(data[14:16]))
	switch units {
	case 1:
		return x
	case 2:
		return int(math.Round(float64(x) * 2.54))
	}
	return 0
}
