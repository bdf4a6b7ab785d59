package runtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs named long-lived workers. The first worker to fail
// cancels the rest; workers are closed in reverse order of registration.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.run(s.ctx); err != nil {
				log.WithField("worker", w.name).WithError(err).Error("Worker failed")
				s.errOnce.Do(func() { s.err = err })
				s.cancel()
			}
		}()
	}
	return nil
}

// Wait blocks until ctx is cancelled or a worker fails, closes every
// worker and returns the first worker error combined with close errors.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	runCtx, cancel := s.ctx, s.cancel
	workers := append([]worker(nil), s.workers...)
	s.mu.Unlock()

	if runCtx == nil {
		runCtx = ctx
	}
	select {
	case <-ctx.Done():
	case <-runCtx.Done():
	}
	if cancel != nil {
		defer cancel()
	}

	var closeErr error
	for i := len(workers) - 1; i >= 0; i-- {
		if workers[i].closeF == nil {
			continue
		}
		if err := workers[i].closeF(); err != nil {
			log.WithField("worker", workers[i].name).WithError(err).Warn("Worker close failed")
			closeErr = multierr.Append(closeErr, err)
		}
	}
	s.wg.Wait()
	return multierr.Append(s.err, closeErr)
}
