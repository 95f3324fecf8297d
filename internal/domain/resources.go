package domain

// ResourceMap holds integer resource dimensions keyed by name (cpu, memory,
// disk, ...). Keys are free-form; arithmetic is component-wise over the keys
// present in the operand that drives the operation.
type ResourceMap map[string]int

// Clone returns a copy of the map. A nil receiver clones to an empty map.
func (m ResourceMap) Clone() ResourceMap {
	out := make(ResourceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Add accumulates other into m component-wise, creating keys as needed.
func (m ResourceMap) Add(other ResourceMap) {
	for k, v := range other {
		m[k] += v
	}
}

// Plus returns m + other without mutating either operand.
func (m ResourceMap) Plus(other ResourceMap) ResourceMap {
	out := m.Clone()
	out.Add(other)
	return out
}

// Fits reports whether every component of m is within limit. Keys absent
// from limit count as zero capacity, so any demand on them fails the check.
func (m ResourceMap) Fits(limit ResourceMap) bool {
	for k, v := range m {
		if v > limit[k] {
			return false
		}
	}
	return true
}
