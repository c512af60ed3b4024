package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is one unit of periodic work: a single poll or synthesis cycle.
type Runner interface {
	RunOnce(ctx context.Context) error
}

// Scheduler drives the poller and the synthesizer on independent intervals.
// The two loops never call each other; they are coupled only through the
// store. Stop waits for an in-flight cycle to finish, so no commit or batch
// write is ever interrupted.
type Scheduler struct {
	ctx                context.Context
	cron               *cron.Cron
	poller             Runner
	synthesizer        Runner
	pollInterval       time.Duration
	synthesizeInterval time.Duration
	log                *slog.Logger
	wg                 sync.WaitGroup
}

func New(
	ctx context.Context,
	poller Runner,
	synthesizer Runner,
	pollInterval time.Duration,
	synthesizeInterval time.Duration,
	log *slog.Logger,
) *Scheduler {
	return &Scheduler{
		ctx:                ctx,
		cron:               cron.New(cron.WithLocation(time.UTC)),
		poller:             poller,
		synthesizer:        synthesizer,
		pollInterval:       pollInterval,
		synthesizeInterval: synthesizeInterval,
		log:                log,
	}
}

func (s *Scheduler) Start() error {
	pollJob := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { s.runCycle("poll", s.poller) }))
	synthesizeJob := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { s.runCycle("synthesize", s.synthesizer) }))

	if _, err := s.cron.AddJob(fmt.Sprintf("@every %s", s.pollInterval), pollJob); err != nil {
		return fmt.Errorf("add poll job: %w", err)
	}

	if _, err := s.cron.AddJob(fmt.Sprintf("@every %s", s.synthesizeInterval), synthesizeJob); err != nil {
		return fmt.Errorf("add synthesize job: %w", err)
	}

	s.cron.Start()

	// First cycles run right away instead of one interval from now. The
	// SkipIfStillRunning chain keeps them from overlapping an early tick.
	for _, job := range []cron.Job{pollJob, synthesizeJob} {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}

	return nil
}

// Stop halts scheduling and blocks until any running cycle completes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) runCycle(name string, runner Runner) {
	select {
	case <-s.ctx.Done():
		s.log.InfoContext(s.ctx, "Scheduler context is done",
			"error", s.ctx.Err(),
			"cycle", name)
		return
	default:
	}

	if err := runner.RunOnce(s.ctx); err != nil {
		s.log.ErrorContext(s.ctx, "Cycle failed",
			"error", err,
			"cycle", name)
	}
}
