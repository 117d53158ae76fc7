package monitor

// Ring is a fixed-size circular window of samples. Once full, each Add
// overwrites the oldest sample. Ring is not safe for concurrent use; the
// Monitor guards it with its own lock.
type Ring struct {
	buf  []float64
	size int
	head int // next write position
	full bool
	sum  float64
}

// NewRing creates a ring holding at most size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &Ring{
		buf:  make([]float64, size),
		size: size,
	}
}

// Add appends a sample, evicting the oldest one when full.
func (r *Ring) Add(v float64) {
	if r.full {
		r.sum -= r.buf[r.head]
	}
	r.buf[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	if r.full {
		return r.size
	}
	return r.head
}

// Average returns the mean of the held samples, or 0 if empty.
func (r *Ring) Average() float64 {
	n := r.Len()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

// Values returns the samples oldest first.
func (r *Ring) Values() []float64 {
	if !r.full {
		out := make([]float64, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]float64, r.size)
	copy(out, r.buf[r.head:])
	copy(out[r.size-r.head:], r.buf[:r.head])
	return out
}

// Reset clears the ring.
func (r *Ring) Reset() {
	r.head = 0
	r.full = false
	r.sum = 0
}

// Capacity returns the maximum number of samples.
func (r *Ring) Capacity() int {
	return r.size
}
