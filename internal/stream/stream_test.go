package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tabletscan/chunk"
)

func newChunk() *chunk.Chunk {
	schema := chunk.MustSchema(chunk.Field{Name: "id", Type: chunk.TypeInt64})
	return chunk.New(schema, 4)
}

func TestStreamPushPop(t *testing.T) {
	s := New()
	c := newChunk()

	require.True(t, s.Push(c))
	got, err := s.Pop(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestStreamPopBlocksUntilPush(t *testing.T) {
	s := New()
	c := newChunk()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		s.Push(c)
	}()

	got, err := s.Pop(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, got)
	wg.Wait()
}

func TestStreamFinishDeliversNilNil(t *testing.T) {
	s := New()
	s.Finish(nil)

	got, err := s.Pop(context.Background())
	assert.Nil(t, got)
	assert.NoError(t, err)

	// End-of-stream is latched; further pops agree.
	got, err = s.Pop(context.Background())
	assert.Nil(t, got)
	assert.NoError(t, err)
}

func TestStreamFailAtTheEnd(t *testing.T) {
	s := New()
	c := newChunk()
	boom := errors.New("boom")

	require.True(t, s.Push(c))
	s.Finish(boom)

	// Data queued before the failure is still delivered first.
	got, err := s.Pop(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, got)

	got, err = s.Pop(context.Background())
	assert.Nil(t, got)
	assert.ErrorIs(t, err, boom)
}

func TestStreamFirstFinishWins(t *testing.T) {
	s := New()
	first := errors.New("first")

	s.Finish(first)
	s.Finish(errors.New("second"))

	_, err := s.Pop(context.Background())
	assert.ErrorIs(t, err, first)
}

func TestStreamPushAfterFinishRefused(t *testing.T) {
	s := New()
	s.Finish(nil)

	assert.False(t, s.Push(newChunk()))
	assert.Equal(t, 0, s.Len())
}

func TestStreamPopContextCancelled(t *testing.T) {
	s := New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamTryPopDrains(t *testing.T) {
	s := New()
	c1, c2 := newChunk(), newChunk()
	s.Push(c1)
	s.Push(c2)
	s.Finish(nil)

	assert.Same(t, c1, s.TryPop())
	assert.Same(t, c2, s.TryPop())
	assert.Nil(t, s.TryPop())
}

func TestStreamConcurrentProducers(t *testing.T) {
	s := New()
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				assert.True(t, s.Push(newChunk()))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.Finish(nil)
		close(done)
	}()

	var got int
	for {
		c, err := s.Pop(context.Background())
		require.NoError(t, err)
		if c == nil {
			break
		}
		got++
	}
	<-done
	assert.Equal(t, producers*perProducer, got)
}
