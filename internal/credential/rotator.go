// Package credential rotates pools of external-service credentials and
// tracks per-credential rate-limit cooldowns.
package credential

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

// ErrPoolExhausted is returned when every credential in a pool is cooling
// down or the pool is empty.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Credential identifies one external-service credential. CustomerID is only
// used by the related-terms service; the document-count service leaves it
// empty. Credentials live for the process lifetime and are never persisted.
type Credential struct {
	Label      string `mapstructure:"label"`
	Key        string `mapstructure:"key"`
	Secret     string `mapstructure:"secret"`
	CustomerID string `mapstructure:"customer_id"`
}

// Pool hands out credentials round-robin, skipping any under cooldown. The
// start offset is randomized so concurrent processes sharing a credential
// file do not hammer the same entry first.
type Pool struct {
	name     string
	cooldown time.Duration
	clock    harvest.Clock

	mu        sync.Mutex
	creds     []Credential
	coolUntil []time.Time
	next      int
}

// Summary reports pool health for the operational-visibility boundary.
type Summary struct {
	Name         string        `json:"name"`
	Total        int           `json:"total"`
	Available    int           `json:"available"`
	Cooling      int           `json:"cooling"`
	MinRemaining time.Duration `json:"min_cooldown_remaining"`
}

// NewPool constructs a Pool with a fixed cooldown window.
func NewPool(name string, creds []Credential, cooldown time.Duration, clock harvest.Clock) *Pool {
	p := &Pool{
		name:      name,
		cooldown:  cooldown,
		clock:     clock,
		creds:     append([]Credential(nil), creds...),
		coolUntil: make([]time.Time, len(creds)),
	}
	if len(p.creds) > 0 {
		p.next = rand.Intn(len(p.creds))
	}
	return p
}

// Name returns the pool's configured name.
func (p *Pool) Name() string {
	return p.name
}

// Next returns the next credential not under cooldown, advancing the
// round-robin cursor. It returns ErrPoolExhausted when none is usable.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.creds) == 0 {
		return Credential{}, ErrPoolExhausted
	}
	now := p.clock.Now()
	for i := 0; i < len(p.creds); i++ {
		idx := (p.next + i) % len(p.creds)
		if p.coolUntil[idx].After(now) {
			continue
		}
		p.next = (idx + 1) % len(p.creds)
		return p.creds[idx], nil
	}
	return Credential{}, ErrPoolExhausted
}

// ReportRateLimited places the credential under cooldown for the fixed
// window. Unknown labels are ignored.
func (p *Pool) ReportRateLimited(c Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.clock.Now().Add(p.cooldown)
	for i := range p.creds {
		if p.creds[i].Label == c.Label {
			p.coolUntil[i] = until
			return
		}
	}
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Summary counts available vs cooling credentials and the minimum remaining
// cooldown among the cooling ones.
func (p *Pool) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{Name: p.name, Total: len(p.creds)}
	now := p.clock.Now()
	for _, until := range p.coolUntil {
		if !until.After(now) {
			s.Available++
			continue
		}
		s.Cooling++
		remaining := until.Sub(now)
		if s.MinRemaining == 0 || remaining < s.MinRemaining {
			s.MinRemaining = remaining
		}
	}
	return s
}
