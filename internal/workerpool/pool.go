// Package workerpool runs blocking tasks on a bounded set of goroutines.
//
// Tasks go to a core worker while fewer than CoreWorkers exist, then to the
// queue, then to an extra worker while fewer than MaxWorkers exist. When all
// of those are saturated the submitting goroutine runs the task itself.
package workerpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPoolClosed is returned for tasks submitted after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Config sizes a pool.
type Config struct {
	Name        string
	CoreWorkers int
	MaxWorkers  int
	QueueSize   int
	KeepAlive   time.Duration
}

// DefaultConfig returns the sizing used for reachability probes.
func DefaultConfig() Config {
	return Config{
		Name:        "probe",
		CoreWorkers: 12,
		MaxWorkers:  20,
		QueueSize:   75,
		KeepAlive:   30 * time.Second,
	}
}

// Pool is a bounded worker pool with caller-runs overflow.
type Pool struct {
	cfg   Config
	log   zerolog.Logger
	queue chan func()
	wg    sync.WaitGroup

	mu      sync.Mutex
	workers int
	closed  bool

	active     atomic.Int64
	peak       atomic.Int64
	completed  atomic.Int64
	callerRuns atomic.Int64
}

// New creates a pool. Zero or inconsistent sizes fall back to sane minimums.
func New(cfg Config) *Pool {
	if cfg.CoreWorkers < 1 {
		cfg.CoreWorkers = 1
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}

	return &Pool{
		cfg:   cfg,
		log:   log.With().Str("component", "workerpool").Str("pool", cfg.Name).Logger(),
		queue: make(chan func(), cfg.QueueSize),
	}
}

func (p *Pool) execute(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	if p.workers < p.cfg.CoreWorkers {
		p.spawnLocked(task, true)
		p.mu.Unlock()
		return nil
	}

	select {
	case p.queue <- task:
		p.mu.Unlock()
		return nil
	default:
	}

	if p.workers < p.cfg.MaxWorkers {
		p.spawnLocked(task, false)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.callerRuns.Add(1)
	p.log.Debug().Msg("pool saturated, running task on caller")
	p.run(task)
	return nil
}

func (p *Pool) spawnLocked(first func(), core bool) {
	p.workers++
	if n := int64(p.workers); n > p.peak.Load() {
		p.peak.Store(n)
	}
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *Pool) worker(first func(), core bool) {
	defer p.wg.Done()
	p.run(first)

	var idle *time.Timer
	if !core {
		idle = time.NewTimer(p.cfg.KeepAlive)
		defer idle.Stop()
	}

	for {
		if core {
			task, ok := <-p.queue
			if !ok {
				p.exit()
				return
			}
			p.run(task)
			continue
		}

		select {
		case task, ok := <-p.queue:
			if !ok {
				p.exit()
				return
			}
			p.run(task)
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			p.exit()
			return
		}
	}
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.log.Error().Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()
	task()
}

// Shutdown stops accepting tasks and waits for queued and running tasks.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug().Int64("completed", p.completed.Load()).Msg("pool drained")
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers     int
	Active      int64
	PeakWorkers int64
	Completed   int64
	CallerRuns  int64
	Queued      int
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	return Stats{
		Workers:     workers,
		Active:      p.active.Load(),
		PeakWorkers: p.peak.Load(),
		Completed:   p.completed.Load(),
		CallerRuns:  p.callerRuns.Load(),
		Queued:      len(p.queue),
	}
}
