// Package checkpoint resolves and stores model checkpoints.
//
// A checkpoint directory holds model.ckpt-{step}.onnx files and an index file
// named "checkpoint" whose model_checkpoint_path line names the current one.
package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IndexFile is the name of the index file inside a checkpoint directory.
const IndexFile = "checkpoint"

// Extension is the model file extension.
const Extension = ".onnx"

var stepPattern = regexp.MustCompile(`-(\d+)\.onnx$`)

// Restored describes the outcome of Load.
type Restored struct {
	// Found reports whether a model file was resolved.
	Found bool `json:"found"`
	// Path is the model file.
	Path string `json:"path,omitempty"`
	// Step is the training step parsed from the file name, or -1.
	Step int `json:"step"`
}

// FileName returns the checkpoint file name for a step.
func FileName(step int) string {
	return fmt.Sprintf("model.ckpt-%d%s", step, Extension)
}

// StepOf parses the step suffix of a checkpoint file name.
//
// Returns:
//   - int: The step, or -1 when the name has no step suffix.
func StepOf(name string) int {
	m := stepPattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return -1
	}
	step, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return step
}

// Load resolves a checkpoint. path may name a model file or a checkpoint
// directory. A directory is resolved through its index file, falling back to
// the model file with the highest step.
//
// A missing checkpoint is not an error: a warning is logged and Found is false.
//
// Arguments:
//   - path: The model file or checkpoint directory.
//
// Returns:
//   - Restored: The resolved checkpoint.
//   - error: An error if path is empty or cannot be read.
func Load(path string) (Restored, error) {
	if path == "" {
		return Restored{}, errors.New("checkpoint path is required")
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		log.Printf("⚠️ no checkpoint found at %s", path)
		return Restored{Step: -1}, nil
	}
	if err != nil {
		return Restored{}, errors.Wrapf(err, "stat %s", path)
	}

	if !info.IsDir() {
		r := Restored{Found: true, Path: path, Step: StepOf(path)}
		log.Printf("✅ restored model parameters from %s", path)
		return r, nil
	}

	name, err := readIndex(path)
	if err != nil {
		return Restored{}, err
	}
	if name != "" {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(path, name)
		}
		if _, err := os.Stat(p); err == nil {
			log.Printf("✅ restored model parameters from %s", p)
			return Restored{Found: true, Path: p, Step: StepOf(p)}, nil
		}
		log.Printf("⚠️ checkpoint index names missing file %s", p)
	}

	files, err := List(path)
	if err != nil {
		return Restored{}, err
	}
	if len(files) == 0 {
		log.Printf("⚠️ no checkpoint found in %s", path)
		return Restored{Step: -1}, nil
	}

	latest := files[len(files)-1]
	log.Printf("✅ restored model parameters from %s", latest)
	return Restored{Found: true, Path: latest, Step: StepOf(latest)}, nil
}

// List returns the model files in dir ordered by step, then name. Files
// without a step suffix sort first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint directory %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Extension) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool {
		si, sj := StepOf(files[i]), StepOf(files[j])
		if si != sj {
			return si < sj
		}
		return files[i] < files[j]
	})
	return files, nil
}

// readIndex returns the model_checkpoint_path entry of the index file in dir,
// or "" when there is no index.
func readIndex(dir string) (string, error) {
	f, err := os.Open(filepath.Join(dir, IndexFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "open checkpoint index")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "model_checkpoint_path" {
			continue
		}
		value = strings.TrimSpace(value)
		if unq, err := strconv.Unquote(value); err == nil {
			value = unq
		}
		return value, nil
	}
	return "", errors.Wrap(scanner.Err(), "read checkpoint index")
}

// Save writes a model to dir as model.ckpt-{step}.onnx and points the index
// file at it. The model is written to a temporary file first so a failed
// write never replaces the previous checkpoint.
//
// Arguments:
//   - dir: The checkpoint directory, created if absent.
//   - step: The training step.
//   - r: The serialized model.
//
// Returns:
//   - string: The path of the written model file.
//   - error: An error if the model or the index cannot be written.
func Save(dir string, step int, r io.Reader) (string, error) {
	if step < 0 {
		return "", errors.Errorf("invalid step %d", step)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create checkpoint directory %s", dir)
	}

	name := FileName(step)
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	}); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}

	files, err := List(dir)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(filepath.Join(dir, IndexFile), func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "model_checkpoint_path: %q\n", name); err != nil {
			return err
		}
		for _, f := range files {
			if _, err := fmt.Fprintf(w, "all_model_checkpoint_paths: %q\n", filepath.Base(f)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", errors.Wrap(err, "write checkpoint index")
	}

	log.Printf("💾 saved checkpoint %s", path)
	return path, nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
