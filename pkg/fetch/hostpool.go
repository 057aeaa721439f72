package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultPerHost = 2

// hostSlots is the permit set of one host. users counts holders plus
// waiters; a host with users > 0 is never swept.
type hostSlots struct {
	sem       *semaphore.Weighted
	users     int64
	idleSince time.Time
}

// HostPool bounds how many requests run against one host at a time. Every
// fetcher that shares a pool counts against the same per-host limit, so
// parallel workflows hitting one site stay polite together.
type HostPool struct {
	mu    sync.Mutex
	hosts map[string]*hostSlots
	limit int64
	log   *logrus.Entry
}

func NewHostPool(perHost int, log *logrus.Entry) *HostPool {
	limit := int64(perHost)
	if limit <= 0 {
		limit = defaultPerHost
		log.Warnf("max_requests_per_host must be > 0, using %d", limit)
	}
	return &HostPool{hosts: make(map[string]*hostSlots), limit: limit, log: log}
}

// Acquire waits for a slot on host until ctx is done. release must be
// called once the request finishes; extra calls are ignored.
func (p *HostPool) Acquire(ctx context.Context, host string) (release func(), err error) {
	slots := p.join(host)
	if err := slots.sem.Acquire(ctx, 1); err != nil {
		p.leave(slots)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slots.sem.Release(1)
			p.leave(slots)
		})
	}, nil
}

func (p *HostPool) join(host string) *hostSlots {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots, ok := p.hosts[host]
	if !ok {
		slots = &hostSlots{sem: semaphore.NewWeighted(p.limit)}
		p.hosts[host] = slots
	}
	slots.users++
	return slots
}

func (p *HostPool) leave(slots *hostSlots) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots.users--
	if slots.users == 0 {
		slots.idleSince = time.Now()
	}
}

// InUse returns holders plus waiters for every host that has any
func (p *HostPool) InUse() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64)
	for host, slots := range p.hosts {
		if slots.users > 0 {
			out[host] = slots.users
		}
	}
	return out
}

// Hosts returns the number of hosts the pool currently tracks
func (p *HostPool) Hosts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts)
}

// Sweep forgets hosts that have been idle for at least maxIdle
func (p *HostPool) Sweep(maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	cutoff := time.Now().Add(-maxIdle)
	for host, slots := range p.hosts {
		if slots.users == 0 && !slots.idleSince.After(cutoff) {
			delete(p.hosts, host)
			dropped++
		}
	}
	return dropped
}

// RunEviction sweeps idle hosts every interval until ctx is done
func (p *HostPool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Sweep(interval); n > 0 {
				p.log.Debugf("Dropped %d idle host(s) from the host pool", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
