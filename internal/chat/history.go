package chat

import "sync"

// History is an append-only, concurrency-safe log of formatted chat lines.
type History struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewHistory returns a history that keeps at most max lines, dropping the
// oldest first. max <= 0 keeps everything.
func NewHistory(max int) *History {
	return &History{max: max}
}

func (h *History) Append(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, line)
	if h.max > 0 && len(h.lines) > h.max {
		n := len(h.lines) - h.max
		copy(h.lines, h.lines[n:])
		for i := len(h.lines) - n; i < len(h.lines); i++ {
			h.lines[i] = ""
		}
		h.lines = h.lines[:h.max]
	}
}

// Lines returns a copy of the history, oldest first.
func (h *History) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lines)
}
