package lib

// Sequence numbers live in an 8-bit space and wrap at 256.

// SeqIncrement returns the next sequence number (implicit modulo op).
func SeqIncrement(seq uint8) uint8 {
	return seq + 1
}

// seqInRange reports whether seq lies in the modular interval (lo, hi].
// When lo == hi the window is empty. The test has to handle wraparound:
// the interval is either a simple one or a wrapped one depending on which
// bound is numerically larger.
func seqInRange(seq, lo, hi uint8) bool {
	if lo == hi {
		return false
	}
	if lo < hi {
		return seq > lo && seq <= hi
	}
	return seq > lo || seq <= hi
}

// seqDistance counts the sequence numbers in (lo, hi].
func seqDistance(lo, hi uint8) uint8 {
	return hi - lo
}
