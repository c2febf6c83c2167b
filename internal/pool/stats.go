package pool

import (
	"fmt"

	"github.com/tphakala/audiokernel/internal/errors"
)

// TierStats is a point-in-time snapshot of one tier
type TierStats struct {
	Tier         string `json:"tier"`
	Size         int    `json:"size"`
	MaxBuffers   int    `json:"max_buffers"`
	TotalCreated int    `json:"total_created"`
	CurrentUsed  int    `json:"current_used"`
	PeakUsed     int    `json:"peak_used"`
	Free         int    `json:"free"`
	Pending      int    `json:"pending"`
	LiveViews    int    `json:"live_views"`
	Allocations  uint64 `json:"allocations"`
	Releases     uint64 `json:"releases"`
	Reuses       uint64 `json:"reuses"`
	Views        uint64 `json:"views"`
	Staged       uint64 `json:"staged"`
	Exhausted    uint64 `json:"exhausted"`
}

// Stats is a snapshot of every tier
type Stats struct {
	Tiers []TierStats `json:"tiers"`
}

// InUse sums CurrentUsed across tiers
func (s Stats) InUse() int {
	n := 0
	for _, t := range s.Tiers {
		n += t.CurrentUsed
	}
	return n
}

// Bytes returns tier-size bytes held by buffers in use
func (s Stats) Bytes() int64 {
	var n int64
	for _, t := range s.Tiers {
		n += int64(t.CurrentUsed) * int64(t.Size)
	}
	return n
}

// Stats returns a snapshot of all tiers
func (p *Pool) Stats() Stats {
	s := Stats{Tiers: make([]TierStats, 0, tierCount)}
	for _, t := range Tiers {
		s.Tiers = append(s.Tiers, p.TierStats(t))
	}
	return s
}

// TierStats returns a snapshot of one tier
func (p *Pool) TierStats(t Tier) TierStats {
	if t < 0 || t >= tierCount {
		return TierStats{Tier: t.String()}
	}
	tp := p.tiers[t]
	tp.mu.Lock()
	defer tp.mu.Unlock()
	c := tp.counters
	return TierStats{
		Tier:         t.String(),
		Size:         tp.cfg.Size,
		MaxBuffers:   tp.cfg.MaxBuffers,
		TotalCreated: c.totalCreated,
		CurrentUsed:  c.currentUsed,
		PeakUsed:     c.peakUsed,
		Free:         len(tp.free),
		Pending:      tp.pending.len(),
		LiveViews:    len(tp.views),
		Allocations:  c.allocations,
		Releases:     c.releases,
		Reuses:       c.reuses,
		Views:        c.views,
		Staged:       c.staged,
		Exhausted:    c.exhausted,
	}
}

// CheckInvariants verifies the bookkeeping of every tier:
// used + free == created, used == allocated + pending,
// allocations - releases == used, and each buffer sits in exactly one set.
func (p *Pool) CheckInvariants() error {
	if err := p.checkOpen("check_invariants"); err != nil {
		return err
	}
	var problems []error
	for _, tp := range p.tiers {
		tp.mu.Lock()
		problems = append(problems, tp.checkLocked()...)
		tp.mu.Unlock()
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.Join(append([]error{ErrInvariant}, problems...)...)).
		Component(componentName).
		Category(errors.CategoryFatal).
		Context("violations", len(problems)).
		Build()
}

func (tp *tierPool) checkLocked() []error {
	var problems []error
	c := tp.counters
	name := tp.tier.String()

	if c.currentUsed+len(tp.free) != c.totalCreated {
		problems = append(problems, fmt.Errorf("%s: used %d + free %d != created %d",
			name, c.currentUsed, len(tp.free), c.totalCreated))
	}
	if c.currentUsed != len(tp.allocated)+tp.pending.len() {
		problems = append(problems, fmt.Errorf("%s: used %d != allocated %d + pending %d",
			name, c.currentUsed, len(tp.allocated), tp.pending.len()))
	}
	if c.allocations-c.releases != uint64(c.currentUsed) {
		problems = append(problems, fmt.Errorf("%s: allocations %d - releases %d != used %d",
			name, c.allocations, c.releases, c.currentUsed))
	}
	if c.totalCreated > tp.cfg.MaxBuffers {
		problems = append(problems, fmt.Errorf("%s: created %d exceeds cap %d",
			name, c.totalCreated, tp.cfg.MaxBuffers))
	}

	seen := make(map[uint64]struct{}, c.totalCreated)
	mark := func(buf *Buffer, want bufferState, where string) {
		if _, dup := seen[buf.id]; dup {
			problems = append(problems, fmt.Errorf("%s: buffer %d present in more than one set", name, buf.id))
		}
		seen[buf.id] = struct{}{}
		if buf.state != want {
			problems = append(problems, fmt.Errorf("%s: buffer %d in %s has state %d", name, buf.id, where, buf.state))
		}
	}
	for _, buf := range tp.free {
		mark(buf, stateFree, "free list")
	}
	for _, buf := range tp.allocated {
		mark(buf, stateAllocated, "allocated set")
	}
	for _, buf := range tp.pending.order {
		mark(buf, statePending, "pending list")
	}
	for _, v := range tp.views {
		if tp.allocated[v.owner.id] != v.owner {
			problems = append(problems, fmt.Errorf("%s: view %d outlives buffer %d", name, v.id, v.owner.id))
		}
	}
	return problems
}
