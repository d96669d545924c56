package wipe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wipeengine/internal/logging"
)

// subscriberBuffer ёмкость канала подписчика; медленный подписчик теряет события
const subscriberBuffer = 64

type resultSlot struct {
	mu sync.Mutex
	r  TargetResult
}

// Job дескриптор выполняемого задания. Чтение прогресса не блокируется
// записью: каждая цель защищена своим мьютексом, который не удерживается
// во время ввода-вывода.
type Job struct {
	mu            sync.RWMutex
	id            uuid.UUID
	standard      Standard
	startedAt     time.Time
	finishedAt    *time.Time
	overallStatus OverallStatus

	results []*resultSlot

	cancel context.CancelCauseFunc
	done   chan struct{}

	// log несёт job_id во всех записях задания
	log *logging.EnterpriseLogger

	subsMu     sync.Mutex
	subs       map[int]chan ProgressEvent
	nextSub    int
	subsClosed bool
}

func newJob(record JobRecord, cancel context.CancelCauseFunc) *Job {
	j := &Job{
		id:        record.JobID,
		standard:  record.Standard,
		startedAt: record.StartedAt,
		results:   make([]*resultSlot, len(record.Targets)),
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[int]chan ProgressEvent),
		log:       logging.NewNop(),
	}
	for i, tr := range record.Targets {
		j.results[i] = &resultSlot{r: tr.clone()}
	}
	return j
}

// ID идентификатор задания
func (j *Job) ID() uuid.UUID {
	return j.id
}

// Snapshot копия текущего состояния записи
func (j *Job) Snapshot() JobRecord {
	j.mu.RLock()
	rec := JobRecord{
		JobID:         j.id,
		Standard:      j.standard.clone(),
		StartedAt:     j.startedAt,
		OverallStatus: j.overallStatus,
	}
	if j.finishedAt != nil {
		t := *j.finishedAt
		rec.FinishedAt = &t
	}
	j.mu.RUnlock()

	rec.Targets = make([]TargetResult, len(j.results))
	for i, slot := range j.results {
		slot.mu.Lock()
		rec.Targets[i] = slot.r.clone()
		slot.mu.Unlock()
	}
	return rec
}

// State состояние задания
func (j *Job) State() JobState {
	rec := j.Snapshot()
	return rec.State()
}

// Cancel кооперативная отмена: цели завершают текущий чанк и
// помечаются Failed/Cancelled
func (j *Job) Cancel() {
	j.cancel(markf(ErrCancelled, "job %s cancelled", j.id))
}

// Done закрывается после установки FinishedAt
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait ждёт завершения задания
func (j *Job) Wait() *JobRecord {
	<-j.done
	rec := j.Snapshot()
	return &rec
}

// WaitContext ждёт завершения задания или отмены ctx
func (j *Job) WaitContext(ctx context.Context) (*JobRecord, error) {
	select {
	case <-j.done:
		return j.Wait(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe подписка на события прогресса. Канал закрывается по завершении
// задания или вызовом возвращённой функции.
func (j *Job) Subscribe() (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	j.subsMu.Lock()
	defer j.subsMu.Unlock()
	if j.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := j.nextSub
	j.nextSub++
	j.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.subsMu.Lock()
			defer j.subsMu.Unlock()
			if c, ok := j.subs[id]; ok {
				delete(j.subs, id)
				close(c)
			}
		})
	}
}

func (j *Job) emit(ev ProgressEvent) {
	ev.JobID = j.id
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	j.subsMu.Lock()
	defer j.subsMu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (j *Job) closeSubscribers() {
	j.subsMu.Lock()
	defer j.subsMu.Unlock()
	j.subsClosed = true
	for id, ch := range j.subs {
		delete(j.subs, id)
		close(ch)
	}
}

// update изменяет результат цели i под её мьютексом и рассылает событие
func (j *Job) update(i int, fn func(r *TargetResult)) TargetResult {
	slot := j.results[i]
	slot.mu.Lock()
	fn(&slot.r)
	r := slot.r.clone()
	slot.mu.Unlock()

	j.emit(ProgressEvent{
		Identifier:  r.Target.Identifier,
		Pass:        r.PassesCompleted,
		PassesTotal: r.PassesTotal,
		BytesDone:   r.BytesWritten,
		Status:      r.Status,
		Error:       r.Error,
	})
	return r
}

// fail помечает цель Failed; pass < 0 означает ошибку до первого прохода
func (j *Job) fail(i int, pass int, err error) TargetResult {
	return j.update(i, func(r *TargetResult) {
		r.Status = StatusFailed
		r.Error = err.Error()
		r.ErrorCode = Code(err)
		if pass >= 0 {
			p := uint32(pass)
			r.FailedPass = &p
		}
	})
}

// finish вычисляет итог после завершения всех целей
func (j *Job) finish(now time.Time) JobRecord {
	rec := j.Snapshot()
	status := computeOverallStatus(rec.Targets)

	j.mu.Lock()
	j.finishedAt = &now
	j.overallStatus = status
	j.mu.Unlock()

	return j.Snapshot()
}

func (j *Job) markDone() {
	j.closeSubscribers()
	close(j.done)
}
