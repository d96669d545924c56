// Package reporting строит отчёты о заданиях затирания и агрегированную статистику.
package reporting

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	cerr "github.com/cockroachdb/errors"

	"wipeengine/internal/config"
	"wipeengine/internal/wipe"
)

// Version версия формата отчёта
const Version = "1.0.0"

// Report JSON отчёт о задании
type Report struct {
	JobID         string                 `json:"job_id"`
	Version       string                 `json:"version"`
	Timestamp     time.Time              `json:"timestamp"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Standard      string                 `json:"standard"`
	Passes        int                    `json:"passes"`
	Profile       string                 `json:"profile,omitempty"`
	OverallStatus wipe.OverallStatus     `json:"overall_status"`
	Operations    []OperationReport      `json:"operations"`
	Summary       SummaryReport          `json:"summary"`
	ExitCode      int                    `json:"exit_code"`
	Duration      string                 `json:"duration"`
}

// OperationReport отчёт по одной цели
type OperationReport struct {
	Target          string            `json:"target"`
	Kind            wipe.TargetKind   `json:"kind"`
	SizeBytes       uint64            `json:"size_bytes"`
	Status          wipe.TargetStatus `json:"status"`
	PassesCompleted uint32            `json:"passes_completed"`
	PassesTotal     uint32            `json:"passes_total"`
	BytesWritten    uint64            `json:"bytes_written"`
	SpeedMBps       float64           `json:"speed_mbps"`
	ErrorCode       string            `json:"error_code,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// SummaryReport сводка по заданию
type SummaryReport struct {
	TotalTargets int     `json:"total_targets"`
	Verified     int     `json:"verified"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	BytesWiped   uint64  `json:"bytes_wiped"`
	BytesWritten uint64  `json:"bytes_written"`
	AverageSpeed float64 `json:"average_speed_mbps"`
	SuccessRate  float64 `json:"success_rate"`
}

// Stats агрегированная статистика по истории заданий
type Stats struct {
	GeneratedAt     time.Time                  `json:"generated_at"`
	TotalOperations int                        `json:"total_operations"`
	TotalTargets    int                        `json:"total_targets"`
	TotalBytesWiped uint64                     `json:"total_bytes_wiped"`
	ByStatus        map[wipe.OverallStatus]int `json:"by_status"`
	ByStandard      map[string]int             `json:"by_standard"`
	ErrorCodes      map[string]int             `json:"error_codes,omitempty"`
	SuccessRate     float64                    `json:"success_rate"`
	LastFinished    *time.Time                 `json:"last_finished,omitempty"`
}

// ExitCode код завершения процесса по итогу задания
func ExitCode(status wipe.OverallStatus) int {
	switch status {
	case wipe.OverallSuccess:
		return 0
	case wipe.OverallPartialFailure:
		return 2
	default:
		return 1
	}
}

// GenerateReport строит отчёт по завершённой записи задания
func GenerateReport(rec *wipe.JobRecord, cfg *config.Config, profile string) (*Report, error) {
	if !rec.Finished() {
		return nil, cerr.Newf("job %s is not finished", rec.JobID)
	}
	duration := rec.FinishedAt.Sub(rec.StartedAt)

	report := &Report{
		JobID:         rec.JobID.String(),
		Version:       Version,
		Timestamp:     rec.StartedAt,
		Standard:      rec.Standard.Name,
		Passes:        len(rec.Standard.Passes),
		Profile:       profile,
		OverallStatus: rec.OverallStatus,
		Operations:    make([]OperationReport, len(rec.Targets)),
		ExitCode:      ExitCode(rec.OverallStatus),
		Duration:      duration.String(),
	}
	if cfg != nil {
		report.Config = configToMap(cfg)
	}

	var totalSpeed float64
	summary := SummaryReport{TotalTargets: len(rec.Targets)}
	for i, tr := range rec.Targets {
		op := OperationReport{
			Target:          tr.Target.Identifier,
			Kind:            tr.Target.Kind,
			SizeBytes:       tr.Target.SizeBytes,
			Status:          tr.Status,
			PassesCompleted: tr.PassesCompleted,
			PassesTotal:     tr.PassesTotal,
			BytesWritten:    tr.BytesWritten,
			ErrorCode:       tr.ErrorCode,
			Error:           tr.Error,
		}
		if seconds := duration.Seconds(); seconds > 0 {
			op.SpeedMBps = float64(tr.BytesWritten) / 1024 / 1024 / seconds
		}

		switch {
		case tr.Status == wipe.StatusVerified:
			summary.Verified++
			summary.BytesWiped += tr.Target.SizeBytes
		case tr.ErrorCode == wipe.CodeCancelled:
			summary.Cancelled++
		default:
			summary.Failed++
		}
		summary.BytesWritten += tr.BytesWritten
		totalSpeed += op.SpeedMBps
		report.Operations[i] = op
	}
	if n := len(rec.Targets); n > 0 {
		summary.AverageSpeed = totalSpeed / float64(n)
		summary.SuccessRate = float64(summary.Verified) / float64(n) * 100
	}
	report.Summary = summary

	return report, nil
}

// SaveReport сохраняет отчёт в JSON файл в каталоге dir
func SaveReport(report *Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cerr.Wrap(err, "ошибка создания директории для отчётов")
	}

	filename := "wipe_report_" + report.Timestamp.UTC().Format("20060102_150405") + "_" + report.JobID[:8] + ".json"
	path := filepath.Join(dir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", cerr.Wrap(err, "ошибка сериализации отчёта")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", cerr.Wrap(err, "ошибка записи отчёта")
	}
	return path, nil
}

// Aggregate статистика по завершённым записям. Незавершённые пропускаются.
func Aggregate(records []wipe.JobRecord, now time.Time) Stats {
	stats := Stats{
		GeneratedAt: now,
		ByStatus: map[wipe.OverallStatus]int{
			wipe.OverallSuccess:        0,
			wipe.OverallPartialFailure: 0,
			wipe.OverallFailed:         0,
		},
		ByStandard: make(map[string]int),
		ErrorCodes: make(map[string]int),
	}

	for i := range records {
		rec := &records[i]
		if !rec.Finished() {
			continue
		}
		stats.TotalOperations++
		stats.TotalTargets += len(rec.Targets)
		stats.TotalBytesWiped += rec.BytesWiped()
		stats.ByStatus[rec.OverallStatus]++
		stats.ByStandard[rec.Standard.Name]++
		for _, tr := range rec.Targets {
			if tr.ErrorCode != "" {
				stats.ErrorCodes[tr.ErrorCode]++
			}
		}
		if stats.LastFinished == nil || rec.FinishedAt.After(*stats.LastFinished) {
			t := *rec.FinishedAt
			stats.LastFinished = &t
		}
	}

	if stats.TotalOperations > 0 {
		stats.SuccessRate = float64(stats.ByStatus[wipe.OverallSuccess]) / float64(stats.TotalOperations) * 100
	}
	return stats
}

// configToMap значимые для аудита параметры конфигурации
func configToMap(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"security": map[string]interface{}{
			"require_confirmation": cfg.Security.RequireConfirmation,
			"protected_paths":      cfg.Security.ProtectedPaths,
			"allow_block_devices":  cfg.Security.AllowBlockDevices,
		},
		"wipe": map[string]interface{}{
			"standard":       cfg.Wipe.Standard,
			"chunk_size":     cfg.Wipe.ChunkSize,
			"max_concurrent": cfg.Wipe.MaxConcurrent,
			"max_speed_mbps": cfg.Wipe.MaxSpeedMBps,
			"max_duration":   cfg.Wipe.MaxDuration,
			"verify":         cfg.Wipe.Verify,
		},
		"certificate": map[string]interface{}{
			"algorithm": cfg.Certificate.Algorithm,
			"digest":    cfg.Certificate.Digest,
			"key_id":    cfg.Certificate.KeyID,
		},
	}
}
