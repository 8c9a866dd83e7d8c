package sshpool

import "time"

// EntryInfo describes one pooled session.
type EntryInfo struct {
	Endpoint  string        `json:"endpoint"`
	CreatedAt time.Time     `json:"created_at"`
	LastUsed  time.Time     `json:"last_used"`
	IdleFor   time.Duration `json:"idle_for"`
	Open      bool          `json:"open"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Size           int           `json:"size"`
	MaxSize        int           `json:"max_size"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	SweeperRunning bool          `json:"sweeper_running"`
	Entries        []EntryInfo   `json:"entries"` // most recently used first
}

func (p *Pool) Stats() Stats {
	now := p.nowFunc()

	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Size:           p.order.Len(),
		MaxSize:        p.maxSize,
		IdleTimeout:    p.idleTimeout,
		SweeperRunning: p.sweeper != nil,
		Entries:        make([]EntryInfo, 0, p.order.Len()),
	}
	for el := p.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		st.Entries = append(st.Entries, EntryInfo{
			Endpoint:  e.name,
			CreatedAt: e.createdAt,
			LastUsed:  e.lastUsed,
			IdleFor:   now.Sub(e.lastUsed),
			Open:      e.session.IsOpen(),
		})
	}
	return st
}
