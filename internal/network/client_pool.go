package network

import (
	"context"
	"sync"
	"time"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 5 * time.Minute
	clientTimeout     = 8 * time.Second
)

type pooledHome struct {
	client   *HomeClient
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

// clientPool keeps one authenticated connection per (home, signer) pair
// and the recent dial failures per address.
type clientPool struct {
	mu        sync.Mutex
	homes     map[string]*pooledHome
	failures  map[string]*addrFailure
	idleAfter time.Duration
}

func newClientPool(idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		homes:     make(map[string]*pooledHome),
		failures:  make(map[string]*addrFailure),
		idleAfter: idleAfter,
	}
}

// get returns a live pooled client. Idle clients without sessions are
// closed and dropped.
func (p *clientPool) get(key string) *HomeClient {
	now := time.Now()
	p.mu.Lock()
	ent, ok := p.homes[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	alive := ent.client.conn.Context().Err() == nil
	idle := now.Sub(ent.lastUsed) > p.idleAfter && ent.client.sessionCount() == 0
	if alive && !idle {
		ent.lastUsed = now
		p.mu.Unlock()
		return ent.client
	}
	delete(p.homes, key)
	p.mu.Unlock()
	_ = ent.client.Close()
	return nil
}

func (p *clientPool) put(key string, c *HomeClient) {
	p.mu.Lock()
	p.homes[key] = &pooledHome{client: c, lastUsed: time.Now()}
	p.mu.Unlock()
}

func (p *clientPool) drop(key string, c *HomeClient) {
	p.mu.Lock()
	if ent, ok := p.homes[key]; ok && ent.client == c {
		delete(p.homes, key)
	}
	p.mu.Unlock()
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	homes := p.homes
	p.homes = make(map[string]*pooledHome)
	p.mu.Unlock()
	for _, ent := range homes {
		_ = ent.client.Close()
	}
}

func (p *clientPool) recordFailure(addr string) int {
	if p == nil || addr == "" {
		return 0
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[addr] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *clientPool) resetFailures(addr string) {
	if p == nil || addr == "" {
		return
	}
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
