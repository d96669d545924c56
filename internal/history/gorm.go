package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"wipeengine/internal/certificate"
	"wipeengine/internal/wipe"
)

// JobModel строка таблицы wipe_jobs
type JobModel struct {
	ID            string     `gorm:"type:uuid;primaryKey"`
	Standard      string     `gorm:"index;not null"`
	OverallStatus string     `gorm:"index;not null"`
	Targets       int        `gorm:"not null"`
	StartedAt     time.Time  `gorm:"index;not null"`
	FinishedAt    *time.Time `gorm:"not null"`
	RecordJSON    []byte     `gorm:"type:jsonb;not null"`
}

func (JobModel) TableName() string { return "wipe_jobs" }

// CertificateModel строка таблицы wipe_certificates
type CertificateModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	JobID     string    `gorm:"type:uuid;index;not null"`
	Status    string    `gorm:"not null"`
	Algorithm string    `gorm:"not null"`
	KeyID     string    `gorm:"not null"`
	Digest    []byte    `gorm:"type:bytea;not null"`
	IssuedAt  time.Time `gorm:"index;not null"`
	CertJSON  []byte    `gorm:"type:jsonb;not null"`
}

func (CertificateModel) TableName() string { return "wipe_certificates" }

// GormStore журнал в PostgreSQL
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore подключается к PostgreSQL и создает таблицы
func OpenGormStore(ctx context.Context, dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, cerr.Wrap(err, "connect postgres")
	}
	return NewGormStore(ctx, db)
}

// NewGormStore использует готовое подключение
func NewGormStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	if err := db.WithContext(ctx).AutoMigrate(&JobModel{}, &CertificateModel{}); err != nil {
		return nil, cerr.Wrap(err, "migrate history tables")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveJob(ctx context.Context, rec wipe.JobRecord) error {
	if err := checkFinished(&rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return cerr.Wrap(err, "marshal job record")
	}

	model := JobModel{
		ID:            rec.JobID.String(),
		Standard:      rec.Standard.Name,
		OverallStatus: string(rec.OverallStatus),
		Targets:       len(rec.Targets),
		StartedAt:     rec.StartedAt.UTC(),
		FinishedAt:    rec.FinishedAt,
		RecordJSON:    data,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return cerr.Wrapf(res.Error, "insert job %s", rec.JobID)
	}
	if res.RowsAffected == 0 {
		return wipe.Mark(cerr.Newf("job %s", rec.JobID), ErrExists)
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, id uuid.UUID) (wipe.JobRecord, error) {
	var model JobModel
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wipe.JobRecord{}, wipe.Mark(cerr.Newf("job %s", id), ErrNotFound)
		}
		return wipe.JobRecord{}, cerr.Wrapf(err, "select job %s", id)
	}
	var rec wipe.JobRecord
	if err := json.Unmarshal(model.RecordJSON, &rec); err != nil {
		return wipe.JobRecord{}, cerr.Wrapf(err, "decode job %s", id)
	}
	return rec, nil
}

func (s *GormStore) ListJobs(ctx context.Context) ([]wipe.JobRecord, error) {
	var models []JobModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").Find(&models).Error; err != nil {
		return nil, cerr.Wrap(err, "select jobs")
	}
	records := make([]wipe.JobRecord, 0, len(models))
	for _, m := range models {
		var rec wipe.JobRecord
		if err := json.Unmarshal(m.RecordJSON, &rec); err != nil {
			return nil, cerr.Wrapf(err, "decode job %s", m.ID)
		}
		records = append(records, rec)
	}
	sortJobs(records)
	return records, nil
}

func (s *GormStore) SaveCertificate(ctx context.Context, cert *certificate.Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return cerr.Wrap(err, "marshal certificate")
	}
	model := CertificateModel{
		ID:        cert.CertificateID.String(),
		JobID:     cert.JobID.String(),
		Status:    string(cert.Status),
		Algorithm: cert.Algorithm,
		KeyID:     cert.KeyID,
		Digest:    cert.PayloadDigest,
		IssuedAt:  cert.IssuedAt.UTC(),
		CertJSON:  data,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return cerr.Wrapf(res.Error, "insert certificate %s", cert.CertificateID)
	}
	if res.RowsAffected == 0 {
		return wipe.Mark(cerr.Newf("certificate %s", cert.CertificateID), ErrExists)
	}
	return nil
}

func (s *GormStore) ListCertificates(ctx context.Context, jobID uuid.UUID) ([]certificate.Certificate, error) {
	var models []CertificateModel
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID.String()).
		Order("issued_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, cerr.Wrapf(err, "select certificates for job %s", jobID)
	}
	certs := make([]certificate.Certificate, 0, len(models))
	for _, m := range models {
		var cert certificate.Certificate
		if err := json.Unmarshal(m.CertJSON, &cert); err != nil {
			return nil, cerr.Wrapf(err, "decode certificate %s", m.ID)
		}
		certs = append(certs, cert)
	}
	sortCertificates(certs)
	return certs, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return cerr.Wrap(err, "get sql db")
	}
	return sqlDB.Close()
}
