package utils

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestGroupWorkParallelCoversRange(t *testing.T) {
	for _, totalSize := range []int{0, 1, 2, ParallelFactor - 1, ParallelFactor, ParallelFactor*3 + 1, 1000} {
		if totalSize < 0 {
			continue
		}
		visits := make([]int32, totalSize)
		var numGroups int
		err := GroupWorkParallel(context.Background(), totalSize,
			func(n int) { numGroups = n },
			func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
				test.That(t, to-from, test.ShouldEqual, groupSize)
				if totalSize > 0 {
					test.That(t, groupSize, test.ShouldBeGreaterThan, 0)
				}
				return func(memberNum, workNum int) {
					atomic.AddInt32(&visits[workNum], 1)
				}, nil
			})
		test.That(t, err, test.ShouldBeNil)
		if totalSize > 0 {
			test.That(t, numGroups, test.ShouldBeLessThanOrEqualTo, totalSize)
		}
		for i, v := range visits {
			test.That(t, v, test.ShouldEqual, 1)
			_ = i
		}
	}
}

func TestGroupWorkParallelMergesPartials(t *testing.T) {
	const n = 1234
	var mu sync.Mutex
	total := 0
	err := GroupWorkParallel(context.Background(), n,
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			partial := 0
			return func(memberNum, workNum int) {
					partial += workNum
				}, func() {
					mu.Lock()
					defer mu.Unlock()
					total += partial
				}
		})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, total, test.ShouldEqual, n*(n-1)/2)
}

func TestGroupWorkParallelCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := GroupWorkParallel(ctx, 10,
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
			return func(memberNum, workNum int) { ran = true }, nil
		})
	test.That(t, err, test.ShouldBeError, context.Canceled)
	test.That(t, ran, test.ShouldBeFalse)
}

func TestParallelForEachPixel(t *testing.T) {
	size := image.Point{X: 7, Y: 5}
	visits := make([]int32, size.X*size.Y)
	ParallelForEachPixel(size, func(x, y int) {
		atomic.AddInt32(&visits[x+y*size.X], 1)
	})
	for _, v := range visits {
		test.That(t, v, test.ShouldEqual, 1)
	}
}

func TestRunInParallel(t *testing.T) {
	var counter int64
	inc := func(context.Context) error {
		atomic.AddInt64(&counter, 1)
		return nil
	}
	_, err := RunInParallel(context.Background(), []SimpleFunc{inc, inc, inc})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, counter, test.ShouldEqual, 3)

	boom := errors.New("boom")
	_, err = RunInParallel(context.Background(), []SimpleFunc{
		inc,
		func(context.Context) error { return boom },
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, boom), test.ShouldBeTrue)
}

func TestGetInParallelOrdering(t *testing.T) {
	fs := make([]FloatFunc, 20)
	for i := range fs {
		v := float64(i)
		fs[i] = func(context.Context) (float64, error) { return v * v, nil }
	}
	_, results, err := GetInParallel(context.Background(), fs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(results), test.ShouldEqual, len(fs))
	for i, r := range results {
		test.That(t, r, test.ShouldEqual, float64(i*i))
	}
}
