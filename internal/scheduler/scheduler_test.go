package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunSkipsOverlappingFires(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())

	var entered atomic.Int32
	block := make(chan struct{})
	job := func(ctx context.Context) error {
		entered.Add(1)
		<-block
		return nil
	}

	go s.run("slow", job)
	// Wait for the first fire to be inside the job body.
	for entered.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// A second fire while the first is running must be skipped.
	s.run("slow", job)
	assert.Equal(t, int32(1), entered.Load())

	close(block)
	s.wg.Wait()

	// Once the first finished, the job can fire again.
	block = make(chan struct{})
	close(block)
	s.run("slow", job)
	assert.Equal(t, int32(2), entered.Load())
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())

	started := make(chan struct{})
	var sawCancel atomic.Bool
	go s.run("waiter", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	<-started

	s.Stop()
	assert.True(t, sawCancel.Load())
}

func TestCronExpressions(t *testing.T) {
	assert.Equal(t, "0 55 23 * * *", DailyAt(23, 55))
	assert.Equal(t, "0 0 0 * * *", DailyAt(0, 0))
	assert.Equal(t, "0 0 20 * * 0", WeeklyAt(time.Sunday, 20, 0))
}

func TestAddEveryRejectsNonPositiveInterval(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	err := s.AddEvery("bad", 0, 0, func(context.Context) error { return nil })
	assert.Error(t, err)
}
