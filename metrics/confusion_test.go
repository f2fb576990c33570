package metrics

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/nvr-ai/seg-eval/mask"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfusion(t *testing.T, n int) *Confusion {
	t.Helper()
	c, err := NewConfusion(n)
	require.NoError(t, err)
	return c
}

func randomPair(rng *rand.Rand, h, w, n int, ignoreRate float64) (mask.Mask, mask.Mask) {
	pred, gt := mask.New(h, w), mask.New(h, w)
	for i := range pred.Pix {
		pred.Pix[i] = rng.Int31n(int32(n))
		gt.Pix[i] = rng.Int31n(int32(n))
		if rng.Float64() < ignoreRate {
			gt.Pix[i] = DefaultIgnoreLabel
		}
	}
	return pred, gt
}

func TestNewConfusionRejectsNonPositive(t *testing.T) {
	for _, n := range []int{0, -3} {
		_, err := NewConfusion(n)
		assert.ErrorIs(t, err, ErrInvalidClassCount)
	}
}

func TestEmptyMatrix(t *testing.T) {
	c := newConfusion(t, 18)

	assert.Equal(t, 0.0, c.MeanIoU())
	assert.Equal(t, 0.0, c.PixelAccuracy())
	assert.Equal(t, uint64(0), c.Pixels())
	for _, v := range c.ClassIoU() {
		assert.True(t, math.IsNaN(v))
	}
}

func TestPerfectSingleClass(t *testing.T) {
	c := newConfusion(t, 3)
	ones := mask.MustFromRows([][]int32{{1, 1}, {1, 1}})

	require.NoError(t, c.Update(ones, ones))

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := uint64(0)
			if i == 1 && j == 1 {
				want = 4
			}
			assert.Equal(t, want, c.At(i, j), "cell (%d,%d)", i, j)
		}
	}
	assert.Equal(t, 1.0, c.MeanIoU())
	assert.Equal(t, 1.0, c.PixelAccuracy())
}

func TestIgnoredPixelContributesNothing(t *testing.T) {
	c := newConfusion(t, 3)
	gt := mask.MustFromRows([][]int32{{0, 1}, {2, 255}})
	pred := mask.MustFromRows([][]int32{{1, 2}, {0, 1}})

	require.NoError(t, c.Update(pred, gt))

	assert.Equal(t, uint64(3), c.Pixels())
	m := c.Matrix()
	assert.Equal(t, []uint64{0, 1, 0}, m[0])
	assert.Equal(t, []uint64{0, 0, 1}, m[1])
	assert.Equal(t, []uint64{1, 0, 0}, m[2])

	// Every class appears once as truth and once as prediction, never together.
	assert.Equal(t, 0.0, c.MeanIoU())
	for _, v := range c.ClassIoU() {
		assert.Equal(t, 0.0, v)
	}
}

func TestIgnoreSentinelNeverChangesSums(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := newConfusion(t, 5)

	pred, gt := randomPair(rng, 16, 16, 5, 0)
	require.NoError(t, c.Update(pred, gt))
	before := c.Matrix()

	// Same predictions against an all ignored label.
	ignored := mask.New(16, 16)
	for i := range ignored.Pix {
		ignored.Pix[i] = DefaultIgnoreLabel
	}
	require.NoError(t, c.Update(pred, ignored))

	assert.Equal(t, before, c.Matrix())
}

func TestInRangeIgnoreLabelIsSkipped(t *testing.T) {
	c, err := NewConfusion(3, WithIgnoreLabel(0))
	require.NoError(t, err)
	assert.Equal(t, int32(0), c.IgnoreLabel())

	gt := mask.MustFromRows([][]int32{{0, 1}, {2, 0}})
	pred := mask.MustFromRows([][]int32{{2, 1}, {2, 1}})
	require.NoError(t, c.Update(pred, gt))

	assert.Equal(t, uint64(2), c.Pixels())
	assert.Equal(t, []uint64{0, 0, 0}, c.Matrix()[0])
	assert.Equal(t, 1.0, c.MeanIoU())
}

func TestMeanIoUPartial(t *testing.T) {
	c := newConfusion(t, 4)
	gt := mask.MustFromRows([][]int32{{0, 0, 1, 1}})
	pred := mask.MustFromRows([][]int32{{0, 1, 1, 1}})

	require.NoError(t, c.Update(pred, gt))

	// class 0: tp=1, row=2, col=1 -> 1/2; class 1: tp=2, row=2, col=3 -> 2/3.
	iou := c.ClassIoU()
	assert.InDelta(t, 0.5, iou[0], 1e-12)
	assert.InDelta(t, 2.0/3.0, iou[1], 1e-12)
	assert.True(t, math.IsNaN(iou[2]))
	assert.True(t, math.IsNaN(iou[3]))
	assert.InDelta(t, (0.5+2.0/3.0)/2, c.MeanIoU(), 1e-12)
	assert.InDelta(t, 0.75, c.PixelAccuracy(), 1e-12)
	assert.InDelta(t, (0.5+1.0)/2, c.MeanClassAccuracy(), 1e-12)
}

func TestUpdateIsAdditive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n = 7

	for trial := 0; trial < 10; trial++ {
		p1, g1 := randomPair(rng, 5, 9, n, 0.1)
		p2, g2 := randomPair(rng, 3, 9, n, 0.1)

		split := newConfusion(t, n)
		require.NoError(t, split.Update(p1, g1))
		require.NoError(t, split.Update(p2, g2))

		// One call over the concatenated pixels.
		joined := newConfusion(t, n)
		pred := mask.Mask{Height: 8, Width: 9, Pix: append(append([]int32{}, p1.Pix...), p2.Pix...)}
		gt := mask.Mask{Height: 8, Width: 9, Pix: append(append([]int32{}, g1.Pix...), g2.Pix...)}
		require.NoError(t, joined.Update(pred, gt))

		assert.Equal(t, joined.Matrix(), split.Matrix())
		assert.Equal(t, joined.MeanIoU(), split.MeanIoU())
	}
}

func TestMeanIoUBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	c := newConfusion(t, 18)

	for i := 0; i < 50; i++ {
		pred, gt := randomPair(rng, 1+rng.Intn(20), 1+rng.Intn(20), 18, 0.2)
		require.NoError(t, c.Update(pred, gt))
		if c.Pixels() == 0 {
			continue
		}
		v := c.MeanIoU()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestShapeMismatch(t *testing.T) {
	c := newConfusion(t, 3)

	err := c.Update(mask.New(2, 2), mask.New(2, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "2x2")
	assert.Equal(t, uint64(0), c.Pixels())
}

func TestPredictionOutOfRangeRejected(t *testing.T) {
	c := newConfusion(t, 3)
	gt := mask.MustFromRows([][]int32{{0, 1, 2}})
	pred := mask.MustFromRows([][]int32{{0, 1, 3}})

	err := c.Update(pred, gt)
	assert.ErrorIs(t, err, ErrPredictionOutOfRange)
	assert.Equal(t, uint64(0), c.Pixels(), "a rejected update must not touch the matrix")

	// Out of range predictions over ignored pixels are never counted, so they are fine.
	gt = mask.MustFromRows([][]int32{{0, 1, 255}})
	require.NoError(t, c.Update(pred, gt))
	assert.Equal(t, uint64(2), c.Pixels())
}

func TestMerge(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a, b, all := newConfusion(t, 4), newConfusion(t, 4), newConfusion(t, 4)

	p1, g1 := randomPair(rng, 6, 6, 4, 0)
	p2, g2 := randomPair(rng, 6, 6, 4, 0)
	require.NoError(t, a.Update(p1, g1))
	require.NoError(t, b.Update(p2, g2))
	require.NoError(t, all.Update(p1, g1))
	require.NoError(t, all.Update(p2, g2))

	require.NoError(t, a.Merge(b))
	assert.Equal(t, all.Matrix(), a.Matrix())

	assert.ErrorIs(t, a.Merge(newConfusion(t, 5)), ErrShapeMismatch)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	c := newConfusion(t, 2)
	ones := mask.MustFromRows([][]int32{{1, 1, 1, 1}})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Update(ones, ones))
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(256), c.At(1, 1))
}

func TestSnapshot(t *testing.T) {
	c := newConfusion(t, 3)
	ones := mask.MustFromRows([][]int32{{1, 1}, {1, 1}})
	require.NoError(t, c.Update(ones, ones))

	s := c.Snapshot()
	assert.Equal(t, 3, s.NumClasses)
	assert.Equal(t, uint64(4), s.Pixels)
	assert.Equal(t, 1.0, s.MeanIoU)
	assert.Len(t, s.ClassIoU, 3)
}

func TestSnapshotIsConsistentDuringUpdates(t *testing.T) {
	c := newConfusion(t, 2)
	ones := mask.MustFromRows([][]int32{{1, 1}, {1, 1}})
	zeros := mask.MustFromRows([][]int32{{0, 0}, {0, 0}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			assert.NoError(t, c.Update(ones, ones))
			assert.NoError(t, c.Update(ones, zeros))
		}
	}()

	for i := 0; i < 500; i++ {
		s := c.Snapshot()
		assert.Zero(t, s.Pixels%4)
		if s.Pixels == 0 {
			continue
		}
		// Class 1 is the only prediction, so its IoU equals pixel accuracy.
		assert.InDelta(t, s.PixelAccuracy, s.ClassIoU[1], 1e-12)
		correct := s.PixelAccuracy * float64(s.Pixels)
		assert.InDelta(t, math.Round(correct), correct, 1e-6)
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, uint64(4000), s.Pixels)
	assert.Equal(t, 0.5, s.PixelAccuracy)
	assert.Equal(t, 0.5, s.MeanClassAccuracy)
}
