package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvr-ai/seg-eval/images"
	"github.com/pkg/errors"
)

// ListFromDirectories pairs every image in imageDir with the PNG label of the
// same base name in labelDir.
//
// This is the layout of most validation sets (JPEGImages/ next to
// SegmentationClass/) and saves writing a list file by hand.
//
// Arguments:
//   - imageDir: Directory holding the input images.
//   - labelDir: Directory holding the label PNGs.
//
// Returns:
//   - []Entry: The pairs, sorted by image name.
//   - error: An error if a directory cannot be read or a label is missing.
func ListFromDirectories(imageDir, labelDir string) ([]Entry, error) {
	files, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, errors.Wrap(err, "read image directory")
	}

	var entries []Entry
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if _, err := images.FormatFromPath(file.Name()); err != nil {
			continue
		}

		stem := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		label := filepath.Join(labelDir, stem+".png")
		if _, err := os.Stat(label); err != nil {
			return nil, errors.Wrapf(err, "label for %s", file.Name())
		}

		entries = append(entries, Entry{
			Image: filepath.Join(imageDir, file.Name()),
			Label: label,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Image < entries[j].Image
	})

	return entries, nil
}
