package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// PlayerLimiter throttles requests per participant with independent token
// buckets, so one spamming client cannot slow anyone else down.
type PlayerLimiter struct {
	mu      sync.Mutex
	players map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewPlayerLimiter creates a limiter granting each participant rps requests
// per second with the given burst.
func NewPlayerLimiter(rps float64, burst int) *PlayerLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &PlayerLimiter{
		players: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether the participant may issue a request right now.
func (p *PlayerLimiter) Allow(player string) bool {
	return p.limiterFor(player).Allow()
}

func (p *PlayerLimiter) limiterFor(player string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.players[player]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.players[player] = l
	}
	return l
}

// Forget drops a participant's bucket, e.g. on session end.
func (p *PlayerLimiter) Forget(player string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.players, player)
}

// Size returns the number of tracked participants.
func (p *PlayerLimiter) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.players)
}
