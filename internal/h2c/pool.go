package h2c

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const DefaultPoolSize = 8

var ErrPoolClosed = errors.New("h2c: pool is closed")

// Pool keeps one upgraded connection per origin so repeated calls skip the
// dial and upgrade. At most one dial per origin is in flight; callers arriving
// meanwhile wait for it.
type Pool struct {
	opts Options

	mu      sync.Mutex
	conns   *lru.Cache[string, *ClientConn]
	dialing map[string]*dialCall
	closed  bool

	// dialFunc is swapped in tests.
	dialFunc func(ctx context.Context, target *url.URL, opts Options) (*ClientConn, error)
}

type dialCall struct {
	done chan struct{}
	cc   *ClientConn
	err  error
}

func NewPool(size int, opts Options) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	conns, err := lru.NewWithEvict[string, *ClientConn](size, func(origin string, cc *ClientConn) {
		log.Debug().Str("origin", origin).Msg("evicting h2c connection")
		cc.Shutdown()
	})
	if err != nil {
		return nil, fmt.Errorf("creating h2c pool: %w", err)
	}
	return &Pool{
		opts:     opts,
		conns:    conns,
		dialing:  make(map[string]*dialCall),
		dialFunc: Dial,
	}, nil
}

// Get returns a usable connection to the origin of target, dialing one if
// needed. Broken connections found in the pool are replaced.
func (p *Pool) Get(ctx context.Context, target *url.URL) (*ClientConn, error) {
	key := target.Host

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if cc, ok := p.conns.Get(key); ok {
		if cc.Usable() {
			p.mu.Unlock()
			return cc, nil
		}
		p.conns.Remove(key)
	}
	call, ok := p.dialing[key]
	if !ok {
		call = &dialCall{done: make(chan struct{})}
		p.dialing[key] = call
		// detached from the caller; Options.DialTimeout bounds it
		go p.dial(context.WithoutCancel(ctx), key, target, call)
	}
	p.mu.Unlock()

	select {
	case <-call.done:
		return call.cc, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) dial(ctx context.Context, key string, target *url.URL, call *dialCall) {
	cc, err := p.dialFunc(ctx, target, p.opts)

	p.mu.Lock()
	delete(p.dialing, key)
	switch {
	case err != nil:
	case p.closed:
		cc.Shutdown()
		cc, err = nil, ErrPoolClosed
	default:
		p.conns.Add(key, cc)
	}
	p.mu.Unlock()

	call.cc, call.err = cc, err
	close(call.done)
}

// Release returns cc after a call. A conn that can no longer take streams is
// dropped from the pool.
func (p *Pool) Release(target *url.URL, cc *ClientConn) {
	if cc.Usable() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.conns.Peek(target.Host); ok && current == cc {
		p.conns.Remove(target.Host)
	}
}

func (p *Pool) Len() int {
	return p.conns.Len()
}

// Close shuts down every pooled connection. Dials still in flight shut down
// their connection when they finish.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.conns.Purge()
}
