package portpool

// ring is a fixed-capacity FIFO of ports.
type ring struct {
	buf  []int
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]int, capacity)}
}

// push appends v at the back. It returns false when full.
func (r *ring) push(v int) bool {
	if r.size == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return true
}

// pop removes the front element.
func (r *ring) pop() (int, bool) {
	if r.size == 0 {
		return 0, false
	}
	v := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring) len() int {
	return r.size
}

func (r *ring) capacity() int {
	return len(r.buf)
}
