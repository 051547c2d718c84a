package throttle

import (
	"context"
	"sync"
	"time"
)

type campaignLog struct {
	mu     sync.Mutex
	admits []time.Time
}

// MemoryGate keeps admission logs in process. Use it when a single worker
// process owns all partitions.
type MemoryGate struct {
	mu   sync.Mutex
	logs map[int64]*campaignLog
}

// NewMemoryGate creates an empty in-process gate
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{logs: make(map[int64]*campaignLog)}
}

var _ Gate = (*MemoryGate)(nil)

func (g *MemoryGate) logFor(campaignID int64) *campaignLog {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.logs[campaignID]
	if !ok {
		l = &campaignLog{}
		g.logs[campaignID] = l
	}
	return l
}

// TryAdmit admits when fewer than limit.Rate admissions fall in (now-Per, now]
func (g *MemoryGate) TryAdmit(_ context.Context, campaignID int64, limit Limit, now time.Time) (Admission, error) {
	l := g.logFor(campaignID)
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-limit.Per)
	keep := 0
	for _, at := range l.admits {
		if at.After(cutoff) {
			l.admits[keep] = at
			keep++
		}
	}
	l.admits = l.admits[:keep]

	if len(l.admits) < limit.Rate {
		l.admits = append(l.admits, now)
		return Admission{Admitted: true}, nil
	}

	oldest := l.admits[0]
	for _, at := range l.admits[1:] {
		if at.Before(oldest) {
			oldest = at
		}
	}
	return Admission{Admitted: false, RetryAt: oldest.Add(limit.Per)}, nil
}

// Forget drops the log of a campaign that will not send again
func (g *MemoryGate) Forget(campaignID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.logs, campaignID)
}
