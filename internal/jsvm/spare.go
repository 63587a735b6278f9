package jsvm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// PoolConfig holds configuration for the spare runtime pool.
type PoolConfig struct {
	// Size is the number of pristine runtimes kept ready. Zero disables
	// pre-warming; every run then creates its runtime on demand.
	Size int
	// IdleTimeout is how long a spare may sit unused before EvictIdle drops it.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:        2,
		IdleTimeout: 5 * time.Minute,
	}
}

type spare struct {
	vm        *goja.Runtime
	createdAt time.Time
}

func (s *spare) isExpired(idleTimeout time.Duration) bool {
	return idleTimeout > 0 && time.Since(s.createdAt) > idleTimeout
}

// SparePool keeps pristine runtimes warm. A runtime handed out by Take is
// never returned: each run gets a context no other snippet has touched.
type SparePool struct {
	spares      chan *spare
	size        int
	idleTimeout time.Duration

	created atomic.Int64
	taken   atomic.Int64
	evicted atomic.Int64

	refill   chan struct{}
	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	wg       sync.WaitGroup
}

// NewSparePool creates a pool and starts filling it in the background.
func NewSparePool(cfg PoolConfig) *SparePool {
	if cfg.Size < 0 {
		cfg.Size = 0
	}

	p := &SparePool{
		spares:      make(chan *spare, cfg.Size),
		size:        cfg.Size,
		idleTimeout: cfg.IdleTimeout,
		refill:      make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
	}

	if p.size > 0 {
		p.wg.Add(1)
		go p.refillLoop()
		p.signalRefill()
	}
	return p
}

// Take returns a pristine runtime, from the pool when one is ready and
// freshly built otherwise. It never blocks on the pool.
func (p *SparePool) Take() *goja.Runtime {
	p.taken.Add(1)
	defer p.signalRefill()

	for {
		select {
		case s := <-p.spares:
			if s == nil {
				return p.newRuntime()
			}
			if s.isExpired(p.idleTimeout) {
				p.evicted.Add(1)
				continue
			}
			return s.vm
		default:
			return p.newRuntime()
		}
	}
}

func (p *SparePool) newRuntime() *goja.Runtime {
	p.created.Add(1)
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return vm
}

func (p *SparePool) signalRefill() {
	if p.size == 0 {
		return
	}
	select {
	case p.refill <- struct{}{}:
	default:
	}
}

func (p *SparePool) refillLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.refill:
			p.fill()
		case <-p.closedCh:
			return
		}
	}
}

func (p *SparePool) fill() {
	for len(p.spares) < p.size {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		s := &spare{vm: p.newRuntime(), createdAt: time.Now()}
		select {
		case p.spares <- s:
		default:
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// EvictIdle drops spares older than the idle timeout and reports how many
// were dropped. The pool refills on the next Take.
func (p *SparePool) EvictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.idleTimeout <= 0 {
		return 0
	}

	var kept []*spare
	evicted := 0
loop:
	for {
		select {
		case s := <-p.spares:
			if s.isExpired(p.idleTimeout) {
				evicted++
			} else {
				kept = append(kept, s)
			}
		default:
			break loop
		}
	}

	for _, s := range kept {
		select {
		case p.spares <- s:
		default:
			evicted++
		}
	}
	p.evicted.Add(int64(evicted))
	return evicted
}

// Close stops the refill loop and drops every spare.
func (p *SparePool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case <-p.spares:
		default:
			return nil
		}
	}
}

// Stats returns current pool statistics.
func (p *SparePool) Stats() PoolStats {
	return PoolStats{
		Size:        p.size,
		Ready:       len(p.spares),
		Created:     p.created.Load(),
		Taken:       p.taken.Load(),
		Evicted:     p.evicted.Load(),
		IdleTimeout: p.idleTimeout,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Size        int           `json:"size"`
	Ready       int           `json:"ready"`
	Created     int64         `json:"created"`
	Taken       int64         `json:"taken"`
	Evicted     int64         `json:"evicted"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}
