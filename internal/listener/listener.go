package listener

import (
	"context"
	"time"

	"go.uber.org/zap"

	"facturas/internal/pipeline"
)

// Runner is the part of the reconciliation service the listener drives.
type Runner interface {
	Run(ctx context.Context) (pipeline.RunResult, error)
}

// Factory builds a runner for one cycle. The returned close func releases
// its mail connection.
type Factory func(ctx context.Context) (Runner, func() error, error)

type Service struct {
	newRunner Factory
	interval  time.Duration
	log       *zap.Logger
}

func NewService(newRunner Factory, interval time.Duration, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Service{newRunner: newRunner, interval: interval, log: log.Named("listener")}
}

// Run reconciles once per interval until ctx is cancelled. Every cycle gets a
// fresh runner, so a dropped connection only costs one cycle. Cycle errors
// are logged and retried on the next tick.
func (s *Service) Run(ctx context.Context) error {
	for {
		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("listener stopped")
			return nil
		case <-time.After(s.interval):
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	runner, closeFn, err := s.newRunner(ctx)
	if err != nil {
		s.log.Error("listener cycle setup failed", zap.Error(err))
		return
	}
	defer func() {
		if err := closeFn(); err != nil {
			s.log.Debug("mailbox close failed", zap.Error(err))
		}
	}()

	res, err := runner.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("listener cycle error", zap.Error(err))
		return
	}
	s.log.Info("listener cycle done",
		zap.String("trace_id", res.TraceID),
		zap.Int("approvals", res.Approvals),
		zap.Int("acknowledged", res.Acknowledged),
		zap.Int("new_records", res.NewRecords),
		zap.Int("errors", len(res.Errors)),
	)
}
