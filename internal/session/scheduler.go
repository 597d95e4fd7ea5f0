package session

import (
	"container/heap"
	"sync"
	"time"
)

type deadline struct {
	token string
	at    time.Time
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(deadline))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// scheduler хранит сроки истечения сессий, отсортированные по времени.
// Устаревшие записи (срок перенесен) не удаляются, а отбрасываются при проверке в Sweep.
type scheduler struct {
	mu    sync.Mutex
	items deadlineHeap
}

func newScheduler() *scheduler {
	return &scheduler{}
}

func (s *scheduler) schedule(token string, at time.Time) {
	s.mu.Lock()
	heap.Push(&s.items, deadline{token: token, at: at})
	s.mu.Unlock()
}

// due извлекает все записи со сроком не позже now
func (s *scheduler) due(now time.Time) []deadline {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []deadline
	for s.items.Len() > 0 && !s.items[0].at.After(now) {
		out = append(out, heap.Pop(&s.items).(deadline))
	}
	return out
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}
