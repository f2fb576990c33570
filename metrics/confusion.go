// Package metrics - Streaming segmentation metrics backed by a confusion matrix.
package metrics

import (
	"math"
	"sync"

	"github.com/nvr-ai/seg-eval/mask"
	"github.com/pkg/errors"
)

// DefaultIgnoreLabel is the ground truth value that marks unlabeled pixels.
const DefaultIgnoreLabel int32 = 255

var (
	// ErrShapeMismatch is returned when a prediction and its ground truth differ in shape.
	ErrShapeMismatch = errors.New("prediction and ground truth shapes differ")
	// ErrPredictionOutOfRange is returned when a prediction holds a class the matrix cannot count.
	ErrPredictionOutOfRange = errors.New("predicted class out of range")
	// ErrInvalidClassCount is returned when the class count is not positive.
	ErrInvalidClassCount = errors.New("number of classes must be positive")
)

// Option configures a Confusion.
type Option func(*Confusion)

// WithIgnoreLabel sets the ground truth sentinel documented as "no label".
//
// Ground truth equal to the sentinel is skipped even when it falls inside
// [0, numClasses). Values outside that range are always skipped.
func WithIgnoreLabel(v int32) Option {
	return func(c *Confusion) {
		c.ignore = v
	}
}

// Confusion accumulates a confusion matrix over a stream of
// (prediction, ground truth) pairs and derives IoU metrics from it.
//
// Cell (i, j) counts pixels whose ground truth is class i and whose prediction
// is class j. The matrix only grows; every metric is recomputed from it in
// O(numClasses²) regardless of how many pixels were seen.
//
// Update calls are serialized, so a Confusion can be shared, but the intended
// use is single ownership by the evaluation loop.
type Confusion struct {
	mu         sync.RWMutex
	numClasses int
	ignore     int32
	counts     []uint64
}

// NewConfusion creates an all-zero confusion matrix.
//
// Arguments:
//   - numClasses: The number of classes the model predicts.
//   - opts: Optional settings.
//
// Returns:
//   - *Confusion: The accumulator.
//   - error: ErrInvalidClassCount if numClasses <= 0.
func NewConfusion(numClasses int, opts ...Option) (*Confusion, error) {
	if numClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidClassCount, "got %d", numClasses)
	}

	c := &Confusion{
		numClasses: numClasses,
		ignore:     DefaultIgnoreLabel,
		counts:     make([]uint64, numClasses*numClasses),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// NumClasses returns the side length of the matrix.
func (c *Confusion) NumClasses() int {
	return c.numClasses
}

// IgnoreLabel returns the configured ignore sentinel.
func (c *Confusion) IgnoreLabel() int32 {
	return c.ignore
}

// Update adds one (prediction, ground truth) pair to the matrix.
//
// Pixels whose ground truth is not a valid class, the ignore sentinel among
// them, are skipped and contribute to no row or column. A prediction outside
// [0, numClasses) at a counted pixel is a model contract violation and fails
// the whole call; the matrix is only modified when the call succeeds.
//
// Arguments:
//   - prediction: The predicted class indices.
//   - groundTruth: The labeled class indices, same shape as prediction.
//
// Returns:
//   - error: ErrShapeMismatch or ErrPredictionOutOfRange, wrapped with detail.
func (c *Confusion) Update(prediction, groundTruth mask.Mask) error {
	if !prediction.SameShape(groundTruth) {
		return errors.Wrapf(ErrShapeMismatch, "prediction %s, ground truth %s", prediction, groundTruth)
	}

	n := int32(c.numClasses)
	for i, gt := range groundTruth.Pix {
		if gt < 0 || gt >= n || gt == c.ignore {
			continue
		}
		if p := prediction.Pix[i]; p < 0 || p >= n {
			return errors.Wrapf(ErrPredictionOutOfRange, "value %d at (%d,%d) with %d classes",
				p, i/prediction.Width, i%prediction.Width, c.numClasses)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, gt := range groundTruth.Pix {
		if gt < 0 || gt >= n || gt == c.ignore {
			continue
		}
		c.counts[int(gt)*c.numClasses+int(prediction.Pix[i])]++
	}

	return nil
}

// Merge adds the counts of another matrix with the same class count.
func (c *Confusion) Merge(o *Confusion) error {
	if o.numClasses != c.numClasses {
		return errors.Wrapf(ErrShapeMismatch, "merging %d classes into %d", o.numClasses, c.numClasses)
	}

	o.mu.RLock()
	counts := make([]uint64, len(o.counts))
	copy(counts, o.counts)
	o.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range counts {
		c.counts[i] += v
	}
	return nil
}

// At returns the count for ground truth class i predicted as class j.
func (c *Confusion) At(i, j int) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[i*c.numClasses+j]
}

// Matrix returns a copy of the matrix as rows of ground truth classes.
func (c *Confusion) Matrix() [][]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([][]uint64, c.numClasses)
	for i := range out {
		out[i] = make([]uint64, c.numClasses)
		copy(out[i], c.counts[i*c.numClasses:(i+1)*c.numClasses])
	}
	return out
}

// Pixels returns the number of pixels counted so far.
func (c *Confusion) Pixels() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total uint64
	for _, v := range c.counts {
		total += v
	}
	return total
}

// sums returns per-class diagonal, row and column sums. Caller holds the lock.
func (c *Confusion) sums() (tp, rows, cols []uint64) {
	tp = make([]uint64, c.numClasses)
	rows = make([]uint64, c.numClasses)
	cols = make([]uint64, c.numClasses)
	for i := 0; i < c.numClasses; i++ {
		for j := 0; j < c.numClasses; j++ {
			v := c.counts[i*c.numClasses+j]
			rows[i] += v
			cols[j] += v
		}
		tp[i] = c.counts[i*c.numClasses+i]
	}
	return tp, rows, cols
}

// ClassIoU returns the intersection over union of every class.
//
// A class that has never appeared as ground truth or prediction has no
// defined IoU and is reported as NaN.
func (c *Confusion) ClassIoU() []float64 {
	c.mu.RLock()
	tp, rows, cols := c.sums()
	c.mu.RUnlock()
	return classIoU(tp, rows, cols)
}

// MeanIoU returns the mean IoU over classes with a nonzero denominator.
//
// Returns 0 until at least one pixel has been counted.
func (c *Confusion) MeanIoU() float64 {
	return nanMean(c.ClassIoU())
}

// PixelAccuracy returns the fraction of counted pixels predicted correctly.
func (c *Confusion) PixelAccuracy() float64 {
	c.mu.RLock()
	tp, rows, _ := c.sums()
	c.mu.RUnlock()
	return pixelAccuracy(tp, rows)
}

// MeanClassAccuracy returns the recall averaged over classes present in the ground truth.
func (c *Confusion) MeanClassAccuracy() float64 {
	c.mu.RLock()
	tp, rows, _ := c.sums()
	c.mu.RUnlock()
	return meanClassAccuracy(tp, rows)
}

// Snapshot captures every derived metric from one read of the matrix.
func (c *Confusion) Snapshot() Snapshot {
	c.mu.RLock()
	tp, rows, cols := c.sums()
	c.mu.RUnlock()

	var pixels uint64
	for _, r := range rows {
		pixels += r
	}
	iou := classIoU(tp, rows, cols)
	return Snapshot{
		NumClasses:        c.numClasses,
		Pixels:            pixels,
		MeanIoU:           nanMean(iou),
		ClassIoU:          iou,
		PixelAccuracy:     pixelAccuracy(tp, rows),
		MeanClassAccuracy: meanClassAccuracy(tp, rows),
	}
}

func classIoU(tp, rows, cols []uint64) []float64 {
	out := make([]float64, len(tp))
	for k := range out {
		denom := rows[k] + cols[k] - tp[k]
		if denom == 0 {
			out[k] = math.NaN()
			continue
		}
		out[k] = float64(tp[k]) / float64(denom)
	}
	return out
}

func pixelAccuracy(tp, rows []uint64) float64 {
	var correct, total uint64
	for k := range tp {
		correct += tp[k]
		total += rows[k]
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

func meanClassAccuracy(tp, rows []uint64) float64 {
	recall := make([]float64, len(tp))
	for k := range recall {
		if rows[k] == 0 {
			recall[k] = math.NaN()
			continue
		}
		recall[k] = float64(tp[k]) / float64(rows[k])
	}
	return nanMean(recall)
}

// Snapshot is a point in time view of the derived metrics.
type Snapshot struct {
	NumClasses        int       `json:"num_classes" yaml:"num_classes"`
	Pixels            uint64    `json:"pixels" yaml:"pixels"`
	MeanIoU           float64   `json:"mean_iou" yaml:"mean_iou"`
	ClassIoU          []float64 `json:"-" yaml:"-"`
	PixelAccuracy     float64   `json:"pixel_accuracy" yaml:"pixel_accuracy"`
	MeanClassAccuracy float64   `json:"mean_class_accuracy" yaml:"mean_class_accuracy"`
}

func nanMean(values []float64) float64 {
	var sum float64
	var n int
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
