package imageproc

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/dsoprea/go-exif/v3"
	heicexif "github.com/dsoprea/go-heic-exif-extractor"
	"github.com/dsoprea/go-iptc"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure"
	pngstructure "github.com/dsoprea/go-png-image-structure"
	riimage "github.com/dsoprea/go-utility/image"
)

type mediaParser interface {
	ParseBytes(data []byte) (riimage.MediaContext, error)
}

func parserFor(format Format) mediaParser {
	switch format {
	case FormatJPEG:
		return jpegstructure.NewJpegMediaParser()
	case FormatPNG:
		return pngstructure.NewPngMediaParser()
	case FormatAVIF:
		return heicexif.NewHeicExifMediaParser()
	}
	// webp relies on the brute-force search
	return nil
}

// ExtractExif returns the flattened EXIF tags of data, with IPTC fields under
// "iptc" when present. Missing or malformed blocks yield an empty map.
func ExtractExif(data []byte, format Format) (out map[string]any) {
	out = make(map[string]any)
	defer func() {
		// the dsoprea parsers panic on some corrupt inputs
		if r := recover(); r != nil {
			out = make(map[string]any)
		}
	}()

	var (
		raw []byte
		mc  riimage.MediaContext
	)
	if p := parserFor(format); p != nil {
		if ctx, err := p.ParseBytes(data); err == nil {
			mc = ctx
			_, raw, _ = ctx.Exif()
		}
	}
	if len(raw) == 0 {
		found, err := exif.SearchAndExtractExif(data)
		if err != nil && !errors.Is(err, exif.ErrNoExif) {
			return out
		}
		raw = found
	}

	if len(raw) > 0 {
		if entries, _, err := exif.GetFlatExifData(raw, nil); err == nil {
			for _, tag := range entries {
				if tag.TagName == "" {
					continue
				}
				value := strings.TrimSpace(strings.ReplaceAll(tag.FormattedFirst, "\x00", ""))
				if value == "" {
					continue
				}
				if _, seen := out[tag.TagName]; !seen {
					out[tag.TagName] = value
				}
			}
		}
	}

	if sl, ok := mc.(*jpegstructure.SegmentList); ok {
		if tags, err := sl.Iptc(); err == nil && len(tags) > 0 {
			simple := iptc.GetSimpleDictionaryFromParsedTags(tags)
			if len(simple) > 0 {
				out["iptc"] = simple
			}
		}
	}
	return out
}

// DensityFromExif reads XResolution ("300/1") when the unit is inches or
// unspecified.
func DensityFromExif(tags map[string]any) int {
	v, ok := tags["XResolution"].(string)
	if !ok {
		return 0
	}
	if unit, ok := tags["ResolutionUnit"].(string); ok && unit == "3" {
		if f, err := parseRational(v); err == nil {
			return int(math.Round(f * 2.54))
		}
		return 0
	}
	f, err := parseRational(v)
	if err != nil {
		return 0
	}
	return int(math.Round(f))
}

func parseRational(s string) (float64, error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return strconv.ParseFloat(s, 64)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, errors.New("zero denominator")
	}
	return n / d, nil
}
