package mixer

import "sync"

// Tap keeps the most recent window of the mixed signal for analysis.
type Tap struct {
	mu     sync.Mutex
	ring   []int16
	pos    int
	filled bool
	frames int64
}

func newTap(size int) *Tap {
	return &Tap{ring: make([]int16, size)}
}

func (t *Tap) write(frame []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range frame {
		t.ring[t.pos] = s
		t.pos++
		if t.pos == len(t.ring) {
			t.pos = 0
			t.filled = true
		}
	}
	t.frames++
}

// Snapshot returns the window oldest sample first. Before the window fills
// only the samples seen so far are returned.
func (t *Tap) Snapshot() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.filled {
		out := make([]int16, t.pos)
		copy(out, t.ring[:t.pos])
		return out
	}
	out := make([]int16, len(t.ring))
	n := copy(out, t.ring[t.pos:])
	copy(out[n:], t.ring[:t.pos])
	return out
}

func (t *Tap) Frames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}
