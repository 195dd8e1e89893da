package models

// VectorClock maps a user ID to the number of operations observed from that user.
// Absent entries are zero.
type VectorClock map[string]int64

// ClockOrder is the causal relationship between two vector clocks
type ClockOrder int

const (
	ClockEqual ClockOrder = iota
	ClockBefore
	ClockAfter
	ClockConcurrent
)

// Get returns the counter for userID, zero if absent
func (vc VectorClock) Get(userID string) int64 {
	if vc == nil {
		return 0
	}
	return vc[userID]
}

// Tick returns a copy of vc with userID's counter incremented
func (vc VectorClock) Tick(userID string) VectorClock {
	out := vc.Clone()
	if out == nil {
		out = make(VectorClock)
	}
	out[userID]++
	return out
}

// Merge returns the element-wise maximum of vc and other
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, len(vc)+len(other))
	for k, v := range vc {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Clone returns a copy of vc
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Compare reports how vc relates causally to other
func (vc VectorClock) Compare(other VectorClock) ClockOrder {
	less, greater := false, false
	keys := make(map[string]struct{}, len(vc)+len(other))
	for k := range vc {
		keys[k] = struct{}{}
	}
	for k := range other {
		keys[k] = struct{}{}
	}
	for k := range keys {
		a, b := vc.Get(k), other.Get(k)
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}
	switch {
	case less && greater:
		return ClockConcurrent
	case less:
		return ClockBefore
	case greater:
		return ClockAfter
	default:
		return ClockEqual
	}
}
