package media

// SequenceTracker follows the sequence numbers of one inbound RTP stream.
// Nothing is reordered; it only counts gaps and late packets so the capture
// server can report loss. Sequence numbers wrap at 65536 and the tracker keeps
// a cycle count so extended sequence numbers stay monotonic across wraps.
type SequenceTracker struct {
	initialized bool
	highest     uint16
	cycles      uint32
	received    uint64
	lost        uint64
	late        uint64
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Update records seq and returns its extended sequence number together with
// the number of packets skipped since the highest sequence seen so far.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, gap int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.highest = seq
		return uint32(seq), 0
	}

	// Forward distance interpreted as signed: negative means late or duplicate.
	delta := int16(seq - s.highest)
	if delta <= 0 {
		s.late++
		cycles := s.cycles
		if seq > s.highest && cycles > 0 {
			// late packet from before the last wrap
			cycles--
		}
		return cycles<<16 | uint32(seq), 0
	}

	if seq < s.highest {
		s.cycles++
	}
	if delta > 1 {
		gap = int(delta) - 1
		s.lost += uint64(gap)
	}
	s.highest = seq
	return s.cycles<<16 | uint32(seq), gap
}

// Stats returns cumulative received, lost and late counts.
func (s *SequenceTracker) Stats() (received, lost, late uint64) {
	return s.received, s.lost, s.late
}

// LossRate returns lost / (received + lost), or 0 before any packet.
func (s *SequenceTracker) LossRate() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	return float64(s.lost) / float64(total)
}

// Reset clears all tracking state.
func (s *SequenceTracker) Reset() {
	*s = SequenceTracker{}
}
