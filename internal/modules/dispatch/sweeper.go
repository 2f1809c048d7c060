// README: Cron job that re-dispatches READY orders left without an offer.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSpec = "*/15 * * * * *"

type SweepJob struct {
	svc    *Service
	spec   string
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweepJob schedules svc.Sweep on spec, a six-field cron expression with seconds.
func NewSweepJob(svc *Service, spec string, logger *slog.Logger) *SweepJob {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{
		svc:    svc,
		spec:   spec,
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With("component", "dispatch_sweep_job"),
	}
}

func (j *SweepJob) Start() error {
	_, err := j.cron.AddFunc(j.spec, func() {
		ctx := context.Background()
		n, err := j.svc.Sweep(ctx)
		if err != nil {
			j.logger.ErrorContext(ctx, "dispatch sweep failed", "error", err)
			return
		}
		if n > 0 {
			j.logger.InfoContext(ctx, "dispatch sweep reopened orders", "offers", n)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.InfoContext(context.Background(), "dispatch sweep job started", "spec", j.spec)
	return nil
}

// Stop waits for a running sweep to finish.
func (j *SweepJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.InfoContext(context.Background(), "dispatch sweep job stopped")
}
