// Package intake validates uploaded image bytes and canonicalizes them
// for fingerprinting: format sniffed by magic bytes, bounds enforced,
// pixels re-encoded to PNG so EXIF and ancillary streams never reach
// the pipeline.
package intake

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/deckocr/deckd/internal/errkind"
)

// Size and dimension bounds.
const (
	MinBytes = 1 << 10 // 1 KiB

	MinDimension = 100
	MaxDimension = 4096
)

// allowedExtensions guards the declared filename; the decisive check
// is the magic-byte sniff.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

type sniffer struct {
	format string
	prefix []byte
}

var sniffers = []sniffer{
	{"jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{"gif", []byte("GIF87a")},
	{"gif", []byte("GIF89a")},
	{"bmp", []byte("BM")},
	{"tiff", []byte{0x49, 0x49, 0x2A, 0x00}},
	{"tiff", []byte{0x4D, 0x4D, 0x00, 0x2A}},
}

// Image is a validated, canonicalized submission.
type Image struct {
	Format    string // sniffed source format
	Decoded   image.Image
	Sanitized []byte // canonical PNG bytes, the fingerprint input
	Width     int
	Height    int
}

// Validate checks |raw| against the intake policy and returns the
// canonical form. |maxBytes| is the configured ceiling.
func Validate(raw []byte, filename string, maxBytes int) (*Image, error) {
	if len(raw) < MinBytes {
		return nil, errkind.New(errkind.BadImage,
			fmt.Sprintf("image is %d bytes; minimum is %d", len(raw), MinBytes))
	}
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, errkind.New(errkind.BadImage,
			fmt.Sprintf("image is %d bytes; maximum is %d", len(raw), maxBytes))
	}

	if filename != "" {
		var ext = strings.ToLower(filepath.Ext(filename))
		if !allowedExtensions[ext] {
			return nil, errkind.New(errkind.ValidationError,
				fmt.Sprintf("extension %q is not accepted", ext))
		}
	}

	var format = sniffFormat(raw)
	if format == "" {
		return nil, errkind.New(errkind.BadImage, "unrecognized image format")
	}

	decoded, err := decode(raw, format)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadImage, "image failed to decode", err)
	}

	var b = decoded.Bounds()
	var w, h = b.Dx(), b.Dy()
	if w < MinDimension || h < MinDimension || w > MaxDimension || h > MaxDimension {
		return nil, errkind.New(errkind.BadImage,
			fmt.Sprintf("dimensions %dx%d are outside [%d, %d]", w, h, MinDimension, MaxDimension))
	}

	var out bytes.Buffer
	if err = png.Encode(&out, decoded); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "failed to canonicalize image", err)
	}

	log.WithFields(log.Fields{"format": format, "width": w, "height": h}).
		Debug("accepted image submission")

	return &Image{
		Format:    format,
		Decoded:   decoded,
		Sanitized: out.Bytes(),
		Width:     w,
		Height:    h,
	}, nil
}

// sniffFormat identifies the payload by its leading magic bytes.
func sniffFormat(raw []byte) string {
	for _, s := range sniffers {
		if bytes.HasPrefix(raw, s.prefix) {
			return s.format
		}
	}
	// WEBP: RIFF....WEBP.
	if len(raw) >= 12 && bytes.Equal(raw[:4], []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WEBP")) {
		return "webp"
	}
	return ""
}

func decode(raw []byte, format string) (image.Image, error) {
	var r = bytes.NewReader(raw)
	switch format {
	case "jpeg":
		return jpeg.Decode(r)
	case "png":
		return png.Decode(r)
	case "gif":
		// Animated submissions decode to their first frame only.
		return gif.Decode(r)
	case "bmp":
		return bmp.Decode(r)
	case "tiff":
		return tiff.Decode(r)
	case "webp":
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("no decoder for format %q", format)
	}
}
