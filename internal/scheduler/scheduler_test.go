package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartRunImmediatelyFiresBeforeFirstTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, time.Hour)
	s.RunImmediately = true

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() { runs.Add(1) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), runs.Load())
}

func TestStartIntervalTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, 5*time.Millisecond)

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() { runs.Add(1) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestTriggerRunsOnDemandAndCoalesces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	go s.Start(func() {
		runs.Add(1)
		if runs.Load() == 1 {
			started <- struct{}{}
			<-release
		}
	})

	s.Trigger()
	<-started

	// While the first run blocks, repeated triggers collapse into one pending.
	s.Trigger()
	s.Trigger()
	s.Trigger()
	close(release)

	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestStartRejectsZeroInterval(t *testing.T) {
	s := New(context.Background(), 0)
	ran := false
	s.Start(func() { ran = true }) // returns immediately
	assert.False(t, ran)
}
