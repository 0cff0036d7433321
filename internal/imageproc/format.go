package imageproc

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// HeaderSize is how many leading bytes SniffFormat needs to see.
const HeaderSize = 64

var (
	ErrInvalidHeader      = errors.New("invalid file header")
	ErrDimensionsTooLarge = errors.New("image dimensions too large")
	ErrMissingDimensions  = errors.New("image dimensions missing")
	ErrUnsupportedFormat  = errors.New("unsupported output format")
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
)

// Ext is the file extension used in object keys.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

func (f Format) MIME() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	}
	return "application/octet-stream"
}

// ParseExt maps a variant format query value to a Format.
func ParseExt(ext string) (Format, bool) {
	switch ext {
	case "jpg", "jpeg":
		return FormatJPEG, true
	case "webp":
		return FormatWebP, true
	case "avif":
		return FormatAVIF, true
	}
	return "", false
}

// ResponsiveFormats are rendered for every breakpoint, in this order.
var ResponsiveFormats = []Format{FormatJPEG, FormatWebP, FormatAVIF}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// SniffFormat identifies the container from its leading bytes without
// decoding anything.
func SniffFormat(header []byte) (Format, error) {
	switch {
	case len(header) >= 3 && header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return FormatJPEG, nil
	case bytes.HasPrefix(header, pngSignature):
		return FormatPNG, nil
	case len(header) >= 12 && string(header[0:4]) == "RIFF" && string(header[8:12]) == "WEBP":
		return FormatWebP, nil
	case isAVIF(header):
		return FormatAVIF, nil
	}
	return "", ErrInvalidHeader
}

// isAVIF looks for an "av.." brand in the leading ftyp box.
func isAVIF(header []byte) bool {
	if len(header) < 16 || string(header[4:8]) != "ftyp" {
		return false
	}
	end := int(binary.BigEndian.Uint32(header[0:4]))
	if end > len(header) {
		end = len(header)
	}
	// major brand at 8, minor version at 12, compatible brands from 16
	if string(header[8:10]) == "av" {
		return true
	}
	for i := 16; i+4 <= end; i += 4 {
		if string(header[i:i+2]) == "av" {
			return true
		}
	}
	return false
}
