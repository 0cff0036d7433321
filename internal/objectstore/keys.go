package objectstore

import (
	"path"
	"strconv"
	"strings"
)

const ThumbnailName = "thumbnail.jpg"

// Prefix is the root of every object belonging to an image.
func Prefix(imageID string) string {
	return "images/" + imageID + "/"
}

func RawKey(imageID, filename string) string {
	return Prefix(imageID) + "raw/" + safeName(filename)
}

func ThumbnailKey(imageID string) string {
	return Prefix(imageID) + "thumbnails/" + ThumbnailName
}

func ResponsiveKey(imageID string, size int, ext string) string {
	return Prefix(imageID) + "responsive/" + strconv.Itoa(size) + "w." + ext
}

func safeName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "original"
	}
	return name
}
