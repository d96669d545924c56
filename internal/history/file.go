package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"wipeengine/internal/certificate"
	"wipeengine/internal/wipe"
)

const (
	jobsDir         = "jobs"
	certificatesDir = "certificates"
)

// FileStore журнал в каталоге: <dir>/jobs/<job>.json, <dir>/certificates/<cert>.json
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore создает каталоги журнала
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{jobsDir, certificatesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, cerr.Wrapf(err, "create history directory %s", sub)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) jobPath(id uuid.UUID) string {
	return filepath.Join(s.dir, jobsDir, id.String()+".json")
}

func (s *FileStore) SaveJob(_ context.Context, rec wipe.JobRecord) error {
	if err := checkFinished(&rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.jobPath(rec.JobID)
	if _, err := os.Stat(path); err == nil {
		return wipe.Mark(cerr.Newf("job %s", rec.JobID), ErrExists)
	}
	return writeJSON(path, rec)
}

func (s *FileStore) GetJob(_ context.Context, id uuid.UUID) (wipe.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec wipe.JobRecord
	if err := readJSON(s.jobPath(id), &rec); err != nil {
		if os.IsNotExist(cerr.UnwrapAll(err)) {
			return wipe.JobRecord{}, wipe.Mark(cerr.Newf("job %s", id), ErrNotFound)
		}
		return wipe.JobRecord{}, err
	}
	return rec, nil
}

func (s *FileStore) ListJobs(_ context.Context) ([]wipe.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []wipe.JobRecord
	err := s.each(jobsDir, func(path string) error {
		var rec wipe.JobRecord
		if err := readJSON(path, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortJobs(records)
	return records, nil
}

func (s *FileStore) SaveCertificate(_ context.Context, cert *certificate.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, certificatesDir, cert.CertificateID.String()+".json")
	if _, err := os.Stat(path); err == nil {
		return wipe.Mark(cerr.Newf("certificate %s", cert.CertificateID), ErrExists)
	}
	return writeJSON(path, cert)
}

func (s *FileStore) ListCertificates(_ context.Context, jobID uuid.UUID) ([]certificate.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var certs []certificate.Certificate
	err := s.each(certificatesDir, func(path string) error {
		var cert certificate.Certificate
		if err := readJSON(path, &cert); err != nil {
			return err
		}
		if cert.JobID == jobID {
			certs = append(certs, cert)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCertificates(certs)
	return certs, nil
}

func (s *FileStore) Close() error { return nil }

// each обходит *.json файлы подкаталога; временные файлы пропускаются
func (s *FileStore) each(sub string, fn func(path string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		return cerr.Wrapf(err, "read history directory %s", sub)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := fn(filepath.Join(s.dir, sub, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON пишет во временный файл и переименовывает его
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cerr.Wrap(err, "marshal history record")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return cerr.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return cerr.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cerr.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return cerr.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return cerr.Wrapf(err, "rename to %s", path)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cerr.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return cerr.Wrapf(err, "decode %s", path)
	}
	return nil
}
