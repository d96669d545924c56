// Package history хранит журнал завершённых заданий и выпущенных сертификатов.
// Записи только добавляются: завершённое задание нельзя перезаписать.
package history

import (
	"context"
	"sort"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"wipeengine/internal/certificate"
	"wipeengine/internal/reporting"
	"wipeengine/internal/wipe"
)

var (
	ErrNotFound    = cerr.New("record not found")
	ErrExists      = cerr.New("record already stored")
	ErrNotFinished = cerr.New("only finished jobs are stored")
)

// Store журнал заданий и сертификатов
type Store interface {
	SaveJob(ctx context.Context, rec wipe.JobRecord) error
	GetJob(ctx context.Context, id uuid.UUID) (wipe.JobRecord, error)
	// ListJobs возвращает записи от новых к старым
	ListJobs(ctx context.Context) ([]wipe.JobRecord, error)
	SaveCertificate(ctx context.Context, cert *certificate.Certificate) error
	ListCertificates(ctx context.Context, jobID uuid.UUID) ([]certificate.Certificate, error)
	Close() error
}

// Stats статистика по всему журналу
func Stats(ctx context.Context, s Store, now time.Time) (reporting.Stats, error) {
	records, err := s.ListJobs(ctx)
	if err != nil {
		return reporting.Stats{}, err
	}
	return reporting.Aggregate(records, now), nil
}

func checkFinished(rec *wipe.JobRecord) error {
	if !rec.Finished() {
		return wipe.Mark(cerr.Newf("job %s is still running", rec.JobID), ErrNotFinished)
	}
	return nil
}

func sortJobs(records []wipe.JobRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.After(records[j].StartedAt)
		}
		return records[i].JobID.String() < records[j].JobID.String()
	})
}

func sortCertificates(certs []certificate.Certificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		return certs[i].IssuedAt.Before(certs[j].IssuedAt)
	})
}
