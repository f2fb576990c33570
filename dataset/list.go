package dataset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/nvr-ai/seg-eval/images"
	"github.com/nvr-ai/seg-eval/mask"
	"github.com/pkg/errors"
)

// Entry is one line of a data list: an image and its label file.
type Entry struct {
	Image string
	Label string
}

// ReadList parses a data list.
//
// Every non-empty line holds an image path and a label path separated by
// whitespace. Both are joined onto dataDir, so lists written with a leading
// slash ("/JPEGImages/2007_000033.jpg") resolve inside the data directory.
//
// Arguments:
//   - r: The list contents.
//   - dataDir: The directory the list paths are relative to.
//
// Returns:
//   - []Entry: The entries in list order.
//   - error: An error if a line does not have exactly two fields.
func ReadList(r io.Reader, dataDir string) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("data list line %d: want \"image label\", got %q", line, text)
		}
		entries = append(entries, Entry{
			Image: filepath.Join(dataDir, fields[0]),
			Label: filepath.Join(dataDir, fields[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read data list")
	}

	return entries, nil
}

// LoadList opens and parses a data list file.
func LoadList(dataDir, listPath string) ([]Entry, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrap(err, "open data list")
	}
	defer f.Close()

	return ReadList(f, dataDir)
}

// ListSource reads samples from image and label files on disk.
type ListSource struct {
	entries []Entry
}

// NewListSource creates a source over the given entries.
func NewListSource(entries []Entry) *ListSource {
	return &ListSource{entries: entries}
}

// Len returns the number of entries.
func (s *ListSource) Len() int {
	return len(s.entries)
}

// Entries returns the entries backing the source.
func (s *ListSource) Entries() []Entry {
	return s.entries
}

// Load reads and decodes the image and label at index.
//
// Arguments:
//   - ctx: Checked before any file is read.
//   - index: The entry to load.
//
// Returns:
//   - Sample: The decoded sample.
//   - error: ErrExhausted past the end, or a read/decode error.
func (s *ListSource) Load(ctx context.Context, index int) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if index < 0 || index >= len(s.entries) {
		return Sample{}, errors.Wrapf(ErrExhausted, "index %d of %d", index, len(s.entries))
	}
	e := s.entries[index]

	img, err := DecodeImageFile(e.Image)
	if err != nil {
		return Sample{}, err
	}

	f, err := os.Open(e.Label)
	if err != nil {
		return Sample{}, errors.Wrap(err, "open label")
	}
	defer f.Close()

	label, err := mask.DecodeRaw(f)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "label %s", e.Label)
	}

	b := img.Bounds()
	if label.Width != b.Dx() || label.Height != b.Dy() {
		return Sample{}, fmt.Errorf("label %s is %dx%d but image %s is %dx%d",
			e.Label, label.Height, label.Width, e.Image, b.Dy(), b.Dx())
	}

	return Sample{
		Index:     index,
		ImagePath: e.Image,
		LabelPath: e.Label,
		Image:     img,
		Label:     label,
	}, nil
}

// DecodeImageFile reads an image file and decodes it according to its extension.
func DecodeImageFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}

	format, err := images.FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	img, err := DecodeImage(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "image %s", path)
	}
	return img, nil
}

// DecodeImage decodes raw image bytes of a known format.
func DecodeImage(data []byte, format images.ImageFormat) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	r := bytes.NewReader(data)
	switch format {
	case images.FormatJPEG:
		return jpeg.Decode(r)
	case images.FormatPNG:
		return png.Decode(r)
	case images.FormatWebP:
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
}
