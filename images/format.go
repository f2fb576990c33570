// Package images - Image formats and model input preparation.
package images

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

var extensions = map[string]ImageFormat{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".webp": FormatWebP,
}

// FormatFromPath returns the image format implied by a file extension.
//
// Arguments:
//   - path: The file path or name.
//
// Returns:
//   - ImageFormat: The format.
//   - error: An error if the extension is not a supported image format.
func FormatFromPath(path string) (ImageFormat, error) {
	ext := strings.ToLower(filepath.Ext(path))
	format, ok := extensions[ext]
	if !ok {
		return "", fmt.Errorf("unsupported image extension %q", ext)
	}
	return format, nil
}
