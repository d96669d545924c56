package wipe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wipeengine/internal/logging"
)

// DefaultMaxConcurrent число одновременно затираемых целей по умолчанию
const DefaultMaxConcurrent = 2

// FinishFunc вызывается с итоговой записью до того, как задание
// будет отмечено завершённым
type FinishFunc func(ctx context.Context, record JobRecord)

// EngineConfig параметры движка
type EngineConfig struct {
	ChunkSize      int
	MaxConcurrent  int
	MaxSpeedMBps   float64
	Deadline       time.Duration
	VerifyOverride *bool
	Opener         Opener
	OnFinish       FinishFunc
}

// Engine оркестратор заданий затирания
type Engine struct {
	cfg    EngineConfig
	logger *logging.EnterpriseLogger
}

// NewEngine создает движок; нулевые поля конфигурации заменяются значениями по умолчанию
func NewEngine(cfg EngineConfig, logger *logging.EnterpriseLogger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Opener == nil {
		cfg.Opener = FileOpener{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Run запускает задание и ждёт его завершения
func (e *Engine) Run(ctx context.Context, identifiers []string, standard Standard) (*JobRecord, error) {
	job, err := e.Start(ctx, identifiers, standard)
	if err != nil {
		return nil, err
	}
	return job.Wait(), nil
}

// Start проверяет параметры, создаёт запись задания и запускает его в фоне
func (e *Engine) Start(ctx context.Context, identifiers []string, standard Standard) (*Job, error) {
	if len(identifiers) == 0 {
		return nil, markf(ErrInvalidJob, "no targets given")
	}
	if err := standard.Validate(); err != nil {
		return nil, err
	}

	std := standard.WithVerify(e.cfg.VerifyOverride)
	record := JobRecord{
		JobID:     uuid.New(),
		Standard:  std,
		Targets:   make([]TargetResult, len(identifiers)),
		StartedAt: time.Now().UTC(),
	}
	for i, id := range identifiers {
		record.Targets[i] = TargetResult{
			Target:      Target{Identifier: id},
			PassesTotal: uint32(len(std.Passes)),
			Status:      StatusPending,
		}
	}

	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	// отмена родительского контекста передаётся заданию как Cancelled
	stop := context.AfterFunc(ctx, func() {
		cancel(markf(ErrCancelled, "parent context done: %v", context.Cause(ctx)))
	})

	job := newJob(record, cancel)
	job.log = e.logger.With("job_id", record.JobID.String())

	job.log.Log("INFO", "Задание затирания создано",
		"standard", std.Name,
		"passes", len(std.Passes),
		"targets", len(identifiers),
	)

	go func() {
		defer stop()
		defer cancel(nil)

		runCtx := jobCtx
		if e.cfg.Deadline > 0 {
			var cancelDeadline context.CancelFunc
			runCtx, cancelDeadline = context.WithTimeoutCause(jobCtx, e.cfg.Deadline,
				markf(ErrCancelled, "job deadline %s exceeded", e.cfg.Deadline))
			defer cancelDeadline()
		}
		e.run(runCtx, job)
	}()

	return job, nil
}

func (e *Engine) run(ctx context.Context, job *Job) {
	ctx, span := tracer.Start(ctx, "wipe.Job",
		trace.WithAttributes(
			attribute.String("job_id", job.id.String()),
			attribute.String("standard", job.standard.Name),
			attribute.Int("targets", len(job.results)),
		),
	)
	defer span.End()

	accessors := e.openAll(ctx, job)

	var (
		wg        sync.WaitGroup
		closeMu   sync.Mutex
		closeErrs *multierror.Error
	)
	sem := make(chan struct{}, e.cfg.MaxConcurrent)

	for i, acc := range accessors {
		if acc == nil {
			continue
		}
		wg.Add(1)
		go func(i int, acc TargetAccessor) {
			defer wg.Done()
			defer func() {
				if err := acc.Close(); err != nil {
					closeMu.Lock()
					closeErrs = multierror.Append(closeErrs, err)
					closeMu.Unlock()
				}
			}()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// цель ждала слот и не была тронута
				e.failTarget(job, i, -1, cancelled(ctx))
				return
			}
			defer func() { <-sem }()

			e.wipeTarget(ctx, job, i, acc)
		}(i, acc)
	}

	wg.Wait()

	if err := closeErrs.ErrorOrNil(); err != nil {
		job.log.Log("WARN", "Ошибки при закрытии целей", "error", err)
	}

	rec := job.finish(time.Now().UTC())
	verified, failed := rec.Counts()
	span.SetAttributes(attribute.String("overall_status", string(rec.OverallStatus)))

	job.log.Log("INFO", "Задание затирания завершено",
		"status", string(rec.OverallStatus),
		"verified", verified,
		"failed", failed,
		"bytes", rec.BytesWiped(),
		"duration", rec.FinishedAt.Sub(rec.StartedAt).String(),
	)

	if e.cfg.OnFinish != nil {
		e.cfg.OnFinish(context.WithoutCancel(ctx), rec)
	}
	job.markDone()
}

// openAll открывает все цели до начала записи; ошибка открытия
// затрагивает только свою цель
func (e *Engine) openAll(ctx context.Context, job *Job) []TargetAccessor {
	accessors := make([]TargetAccessor, len(job.results))
	for i, slot := range job.results {
		id := slot.r.Target.Identifier

		if ctx.Err() != nil {
			e.failTarget(job, i, -1, cancelled(ctx))
			continue
		}

		acc, err := e.cfg.Opener.Open(ctx, id)
		if err != nil {
			e.failTarget(job, i, -1, err)
			continue
		}
		accessors[i] = acc

		target := acc.Target()
		job.update(i, func(r *TargetResult) {
			r.Target = target
		})
		job.log.Log("DEBUG", "Цель открыта", "target", id, "size", target.SizeBytes, "kind", string(target.Kind))
	}
	return accessors
}

// wipeTarget выполняет все проходы по цели строго последовательно
func (e *Engine) wipeTarget(ctx context.Context, job *Job, i int, acc TargetAccessor) {
	target := acc.Target()
	passes := job.standard.Passes

	job.update(i, func(r *TargetResult) {
		r.Status = StatusInProgress
	})

	throttled := NewThrottledAccessor(ctx, acc, e.cfg.MaxSpeedMBps)
	executor := NewPassExecutor(e.cfg.ChunkSize, func(_ int, _ uint64, length int) {
		job.update(i, func(r *TargetResult) {
			r.BytesWritten += uint64(length)
		})
	})

	for p, spec := range passes {
		start := time.Now()
		if err := executor.RunPass(ctx, throttled, spec, p, target.SizeBytes); err != nil {
			e.failTarget(job, i, p, err)
			return
		}
		job.update(i, func(r *TargetResult) {
			r.PassesCompleted = uint32(p + 1)
		})
		job.log.Log("DEBUG", "Проход завершён",
			"target", target.Identifier,
			"pass", p+1,
			"total", len(passes),
			"pattern", string(spec.Kind),
			"duration", time.Since(start).String(),
		)
	}

	job.update(i, func(r *TargetResult) {
		r.Status = StatusVerified
	})
	job.log.Log("INFO", "Цель затёрта", "target", target.Identifier, "passes", len(passes), "bytes", target.SizeBytes)
}

func (e *Engine) failTarget(job *Job, i int, pass int, err error) {
	r := job.fail(i, pass, err)
	level := "ERROR"
	if r.ErrorCode == CodeCancelled {
		level = "WARN"
	}
	job.log.Log(level, "Цель не затёрта",
		"target", r.Target.Identifier,
		"pass", pass+1,
		"code", r.ErrorCode,
		"error", err,
	)
}
