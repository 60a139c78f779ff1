package aics

import (
	"sync"

	"github.com/leaudio-go/leaudio/internal/apperr"
)

// Pool is the static bounded instance pool spec.md §3.7 describes: a
// fixed-size array of Instances, handed out once via AcquireFree and never
// reclaimed for the lifetime of the process.
type Pool struct {
	mu        sync.Mutex
	instances []*Instance
	used      []bool
}

// NewPool allocates a pool of n AICS instances.
func NewPool(n int) *Pool {
	p := &Pool{instances: make([]*Instance, n), used: make([]bool, n)}
	for i := range p.instances {
		p.instances[i] = &Instance{idx: i}
	}
	return p
}

// AcquireFree hands out the next unused instance, or ErrNoMemory if the
// pool is exhausted.
func (p *Pool) AcquireFree() (*Instance, apperr.APIError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, used := range p.used {
		if !used {
			p.used[i] = true
			return p.instances[i], 0
		}
	}
	return nil, apperr.ErrNoMemory
}

// At returns the instance at a given pool index.
func (p *Pool) At(idx int) (*Instance, apperr.APIError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.instances) {
		return nil, apperr.ErrOutOfRangeIndex
	}
	return p.instances[idx], 0
}

// Len returns the pool's fixed capacity.
func (p *Pool) Len() int { return len(p.instances) }
