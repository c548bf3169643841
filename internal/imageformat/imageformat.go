// Package imageformat identifies raw image buffers before they are sent to or
// accepted from the recognition service.
package imageformat

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Unknown is the content type used when no registered decoder recognises data.
const Unknown = "application/octet-stream"

var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"webp": "image/webp",
}

// Info describes a detected image header.
type Info struct {
	Format      string
	ContentType string
	Width       int
	Height      int
}

// Detect decodes only the image header. Truncated images whose header is intact
// are still recognised.
func Detect(data []byte) (Info, bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{ContentType: Unknown}, false
	}
	ct, ok := contentTypes[format]
	if !ok {
		ct = Unknown
	}
	return Info{Format: format, ContentType: ct, Width: cfg.Width, Height: cfg.Height}, true
}

// ContentType returns the MIME type for data, or Unknown.
func ContentType(data []byte) string {
	info, _ := Detect(data)
	return info.ContentType
}
