// Package service связывает движок затирания, журнал заданий и выпуск
// сертификатов в один процесс с реестром активных заданий.
package service

import (
	"context"
	"sync"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"wipeengine/internal/certificate"
	"wipeengine/internal/history"
	"wipeengine/internal/logging"
	"wipeengine/internal/notify"
	"wipeengine/internal/reporting"
	"wipeengine/internal/security"
	"wipeengine/internal/wipe"
)

var (
	ErrNotFound = cerr.New("job not found")
	// ErrNotPersisted задание завершилось, но запись не попала в журнал
	ErrNotPersisted = cerr.New("job record not persisted")
	ErrClosed       = cerr.New("service closed")
)

// Options зависимости сервиса
type Options struct {
	Engine         wipe.EngineConfig
	Store          history.Store
	Issuer         *certificate.Issuer
	Publisher      notify.Publisher
	ProtectedPaths []string
	Logger         *logging.EnterpriseLogger
	Now            func() time.Time
}

// SubmitRequest параметры нового задания
type SubmitRequest struct {
	Targets  []string `json:"targets"`
	Standard string   `json:"standard"`
	// Verify переопределяет проверку всех проходов; nil - как в стандарте
	Verify *bool `json:"verify,omitempty"`
}

// Service реестр заданий процесса
type Service struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	jobs       map[uuid.UUID]*wipe.Job
	persistErr map[uuid.UUID]error
	closed     bool
	wg         sync.WaitGroup
}

// New создает сервис. Задания живут до отмены ctx или вызова Close,
// а не до конца запроса, который их создал.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, cerr.New("history store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[uuid.UUID]*wipe.Job),
		persistErr: make(map[uuid.UUID]error),
	}, nil
}

// Submit проверяет цели и запускает задание в фоне
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*wipe.Job, error) {
	std, err := wipe.LookupStandard(req.Standard)
	if err != nil {
		return nil, err
	}
	if len(req.Targets) == 0 {
		return nil, wipe.Mark(cerr.New("no targets given"), wipe.ErrInvalidJob)
	}
	if err := security.CheckTargets(req.Targets, s.opts.ProtectedPaths); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	cfg := s.opts.Engine
	if req.Verify != nil {
		cfg.VerifyOverride = req.Verify
	}
	cfg.OnFinish = s.persist

	engine := wipe.NewEngine(cfg, s.opts.Logger)
	job, err := engine.Start(s.ctx, req.Targets, std)
	if err != nil {
		return nil, err
	}
	s.jobs[job.ID()] = job
	s.wg.Add(1)

	if s.opts.Publisher != nil {
		events, _ := job.Subscribe()
		go func() {
			defer s.wg.Done()
			notify.Forward(s.ctx, s.opts.Publisher, events, s.opts.Logger.Zap())
		}()
	} else {
		go func() {
			defer s.wg.Done()
			<-job.Done()
		}()
	}

	s.opts.Logger.Log("INFO", "Задание принято", "job_id", job.ID().String(), "standard", std.Name, "targets", len(req.Targets))
	return job, nil
}

// persist сохраняет итоговую запись до того, как задание считается
// завершённым; после сохранения задание уходит из реестра
func (s *Service) persist(ctx context.Context, rec wipe.JobRecord) {
	err := s.opts.Store.SaveJob(ctx, rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.persistErr[rec.JobID] = err
		s.opts.Logger.Log("ERROR", "Не удалось сохранить запись задания", "job_id", rec.JobID.String(), "error", err)
		return
	}
	delete(s.jobs, rec.JobID)
}

func (s *Service) live(id uuid.UUID) (*wipe.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	if err := s.persistErr[id]; err != nil {
		return job, wipe.Mark(cerr.Wrapf(err, "job %s", id), ErrNotPersisted)
	}
	return job, nil
}

// Get текущая запись: снимок активного задания или запись из журнала
func (s *Service) Get(ctx context.Context, id uuid.UUID) (wipe.JobRecord, error) {
	if job, _ := s.live(id); job != nil {
		return job.Snapshot(), nil
	}
	rec, err := s.opts.Store.GetJob(ctx, id)
	if err != nil {
		if cerr.Is(err, history.ErrNotFound) {
			return wipe.JobRecord{}, wipe.Mark(cerr.Newf("job %s", id), ErrNotFound)
		}
		return wipe.JobRecord{}, err
	}
	return rec, nil
}

// Cancel кооперативная отмена активного задания. Для завершённого
// задания ничего не делает.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	if job, _ := s.live(id); job != nil {
		job.Cancel()
		s.opts.Logger.Log("WARN", "Запрошена отмена задания", "job_id", id.String())
		return nil
	}
	_, err := s.Get(ctx, id)
	return err
}

// Wait ждёт завершения задания и возвращает итоговую запись
func (s *Service) Wait(ctx context.Context, id uuid.UUID) (wipe.JobRecord, error) {
	if job, _ := s.live(id); job != nil {
		if _, err := job.WaitContext(ctx); err != nil {
			return wipe.JobRecord{}, err
		}
		// после завершения читаем то, что сохранено в журнале
		if _, err := s.live(id); err != nil {
			return job.Snapshot(), err
		}
	}
	return s.Get(ctx, id)
}

// IssueCertificate выпускает сертификат только по записи из журнала
func (s *Service) IssueCertificate(ctx context.Context, id uuid.UUID) (*certificate.Certificate, error) {
	if s.opts.Issuer == nil {
		return nil, wipe.Mark(cerr.New("no certificate issuer configured"), certificate.ErrSigning)
	}

	rec, err := s.opts.Store.GetJob(ctx, id)
	if err != nil {
		if !cerr.Is(err, history.ErrNotFound) {
			return nil, err
		}
		job, liveErr := s.live(id)
		switch {
		case liveErr != nil:
			return nil, liveErr
		case job != nil:
			return nil, cerr.WithHint(
				wipe.Mark(cerr.Newf("job %s is %s", id, job.State()), certificate.ErrNotFinished),
				"wait for the job to finish before requesting a certificate",
			)
		default:
			return nil, wipe.Mark(cerr.Newf("job %s", id), ErrNotFound)
		}
	}

	cert, err := s.opts.Issuer.Issue(ctx, &rec)
	if err != nil {
		return nil, err
	}
	if err := s.opts.Store.SaveCertificate(ctx, cert); err != nil {
		return nil, cerr.Wrap(err, "store certificate")
	}

	s.opts.Logger.Log("INFO", "Сертификат выпущен",
		"job_id", id.String(),
		"certificate_id", cert.CertificateID.String(),
		"status", string(cert.Status),
		"key_id", cert.KeyID,
	)
	return cert, nil
}

// Certificates выпущенные для задания сертификаты
func (s *Service) Certificates(ctx context.Context, id uuid.UUID) ([]certificate.Certificate, error) {
	return s.opts.Store.ListCertificates(ctx, id)
}

// History завершённые задания от новых к старым
func (s *Service) History(ctx context.Context) ([]wipe.JobRecord, error) {
	return s.opts.Store.ListJobs(ctx)
}

// Stats статистика по журналу
func (s *Service) Stats(ctx context.Context) (reporting.Stats, error) {
	return history.Stats(ctx, s.opts.Store, s.opts.Now())
}

// Active идентификаторы заданий, которые ещё не сохранены в журнал
func (s *Service) Active() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Close отменяет активные задания и ждёт их завершения
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return cerr.Wrap(ctx.Err(), "wait for active jobs")
	}
}
