package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceTrackerInOrder(t *testing.T) {
	s := NewSequenceTracker()
	for i := uint16(100); i < 110; i++ {
		ext, gap := s.Update(i)
		assert.Equal(t, uint32(i), ext)
		assert.Zero(t, gap)
	}
	received, lost, late := s.Stats()
	assert.Equal(t, uint64(10), received)
	assert.Zero(t, lost)
	assert.Zero(t, late)
	assert.Zero(t, s.LossRate())
}

func TestSequenceTrackerGap(t *testing.T) {
	s := NewSequenceTracker()
	s.Update(1)
	_, gap := s.Update(5)
	assert.Equal(t, 3, gap)

	_, lost, _ := s.Stats()
	assert.Equal(t, uint64(3), lost)
	assert.InDelta(t, 0.6, s.LossRate(), 0.0001)
}

func TestSequenceTrackerWrap(t *testing.T) {
	s := NewSequenceTracker()
	s.Update(65534)
	s.Update(65535)
	ext, gap := s.Update(0)
	assert.Equal(t, uint32(1<<16), ext)
	assert.Zero(t, gap)

	ext, _ = s.Update(1)
	assert.Equal(t, uint32(1<<16|1), ext)
}

func TestSequenceTrackerLate(t *testing.T) {
	s := NewSequenceTracker()
	s.Update(10)
	s.Update(12)
	_, gap := s.Update(11)
	assert.Zero(t, gap)

	_, lost, late := s.Stats()
	assert.Equal(t, uint64(1), lost)
	assert.Equal(t, uint64(1), late)

	s.Reset()
	received, _, _ := s.Stats()
	assert.Zero(t, received)
}
