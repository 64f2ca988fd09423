package hintstream

// ring is a fixed size FIFO that overwrites the oldest item when full.
type ring struct {
	items []Delivery
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Delivery, capacity)}
}

// push adds d and reports whether the oldest item was dropped to make room.
func (r *ring) push(d Delivery) (dropped bool) {
	if len(r.items) == 0 {
		return true
	}
	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = d
	if r.size == len(r.items) {
		r.head = (r.head + 1) % len(r.items)
		return true
	}
	r.size++
	return false
}

func (r *ring) pop() (Delivery, bool) {
	if r.size == 0 {
		return Delivery{}, false
	}
	d := r.items[r.head]
	r.items[r.head] = Delivery{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return d, true
}

func (r *ring) len() int {
	return r.size
}
