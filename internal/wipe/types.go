package wipe

import (
	"time"

	"github.com/google/uuid"
)

// PatternKind вид шаблона прохода
type PatternKind string

const (
	PatternFixed         PatternKind = "Fixed"
	PatternComplementary PatternKind = "Complementary"
	PatternRandom        PatternKind = "Random"
)

// PassSpec описание одного прохода перезаписи
type PassSpec struct {
	Kind  PatternKind `json:"kind"`
	Value byte        `json:"value"`
	// Sequence повторяющаяся последовательность для Fixed (например, 0x92 0x49 0x24)
	Sequence []byte `json:"sequence,omitempty"`
	Verify   bool   `json:"verify"`
}

// TargetKind тип цели
type TargetKind string

const (
	TargetFile       TargetKind = "File"
	TargetBlockRange TargetKind = "BlockRange"
)

// Target цель затирания, размер фиксируется при открытии
type Target struct {
	Identifier string     `json:"identifier"`
	Path       string     `json:"path"`
	Offset     uint64     `json:"offset"`
	SizeBytes  uint64     `json:"size_bytes"`
	Kind       TargetKind `json:"kind"`
}

// TargetStatus состояние цели
type TargetStatus string

const (
	StatusPending    TargetStatus = "Pending"
	StatusInProgress TargetStatus = "InProgress"
	StatusVerified   TargetStatus = "Verified"
	StatusFailed     TargetStatus = "Failed"
)

// Terminal true для Verified и Failed
func (s TargetStatus) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// TargetResult результат по одной цели
type TargetResult struct {
	Target          Target       `json:"target"`
	PassesCompleted uint32       `json:"passes_completed"`
	PassesTotal     uint32       `json:"passes_total"`
	BytesWritten    uint64       `json:"bytes_written"`
	Status          TargetStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
	ErrorCode       string       `json:"error_code,omitempty"`
	// FailedPass индекс прохода (с нуля), на котором цель завершилась ошибкой
	FailedPass *uint32 `json:"failed_pass,omitempty"`
}

// OverallStatus итог задания
type OverallStatus string

const (
	OverallSuccess        OverallStatus = "Success"
	OverallPartialFailure OverallStatus = "PartialFailure"
	OverallFailed         OverallStatus = "Failed"
)

// JobState состояние задания
type JobState string

const (
	JobCreated   JobState = "Created"
	JobRunning   JobState = "Running"
	JobCompleted JobState = "Completed"
	JobFailed    JobState = "Failed"
)

// JobRecord запись о задании затирания. Изменяется только движком,
// после установки FinishedAt не меняется.
type JobRecord struct {
	JobID         uuid.UUID      `json:"job_id"`
	Standard      Standard       `json:"standard"`
	Targets       []TargetResult `json:"targets"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	OverallStatus OverallStatus  `json:"overall_status,omitempty"`
}

// Finished true, если задание завершено и итог вычислен
func (r *JobRecord) Finished() bool {
	return r != nil && r.FinishedAt != nil && r.OverallStatus != ""
}

// Clone глубокая копия записи
func (r JobRecord) Clone() JobRecord {
	out := r
	out.Standard = r.Standard.clone()
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	out.Targets = make([]TargetResult, len(r.Targets))
	for i, tr := range r.Targets {
		out.Targets[i] = tr.clone()
	}
	return out
}

// BytesWiped сумма размеров подтверждённых целей
func (r *JobRecord) BytesWiped() uint64 {
	var total uint64
	for _, t := range r.Targets {
		if t.Status == StatusVerified {
			total += t.Target.SizeBytes
		}
	}
	return total
}

// Counts количество подтверждённых и неуспешных целей
func (r *JobRecord) Counts() (verified, failed int) {
	for _, t := range r.Targets {
		switch t.Status {
		case StatusVerified:
			verified++
		case StatusFailed:
			failed++
		}
	}
	return verified, failed
}

// State состояние задания по записи
func (r *JobRecord) State() JobState {
	switch {
	case r.StartedAt.IsZero():
		return JobCreated
	case !r.Finished():
		return JobRunning
	case r.OverallStatus == OverallFailed:
		return JobFailed
	default:
		return JobCompleted
	}
}

func (tr TargetResult) clone() TargetResult {
	out := tr
	if tr.FailedPass != nil {
		p := *tr.FailedPass
		out.FailedPass = &p
	}
	return out
}

// computeOverallStatus вычисляет итог после завершения всех целей
func computeOverallStatus(targets []TargetResult) OverallStatus {
	verified, failed := 0, 0
	for _, t := range targets {
		if t.Status == StatusVerified {
			verified++
		} else {
			failed++
		}
	}
	switch {
	case verified > 0 && failed == 0:
		return OverallSuccess
	case verified > 0:
		return OverallPartialFailure
	default:
		return OverallFailed
	}
}

// ProgressEvent событие прогресса для подписчиков
type ProgressEvent struct {
	JobID       uuid.UUID    `json:"job_id"`
	Identifier  string       `json:"identifier"`
	Pass        uint32       `json:"pass"`
	PassesTotal uint32       `json:"passes_total"`
	BytesDone   uint64       `json:"bytes_done"`
	Status      TargetStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	Time        time.Time    `json:"time"`
}
