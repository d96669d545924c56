package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipeengine/internal/certificate"
	"wipeengine/internal/wipe"
)

func finished(t *testing.T, started time.Time, status wipe.OverallStatus, sizes ...uint64) wipe.JobRecord {
	t.Helper()
	std, err := wipe.LookupStandard("clear")
	require.NoError(t, err)
	end := started.Add(time.Minute)
	rec := wipe.JobRecord{
		JobID:         uuid.New(),
		Standard:      std,
		StartedAt:     started,
		FinishedAt:    &end,
		OverallStatus: status,
	}
	for i, size := range sizes {
		st := wipe.StatusVerified
		if status == wipe.OverallFailed || (status == wipe.OverallPartialFailure && i > 0) {
			st = wipe.StatusFailed
		}
		rec.Targets = append(rec.Targets, wipe.TargetResult{
			Target:      wipe.Target{Identifier: "/data/t", Path: "/data/t", SizeBytes: size, Kind: wipe.TargetFile},
			PassesTotal: 1,
			Status:      st,
		})
	}
	return rec
}

// storeContract общие проверки для любой реализации Store
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 9, 0, 0, 123456789, time.UTC)

	older := finished(t, base, wipe.OverallSuccess, 100, 50)
	newer := finished(t, base.Add(time.Hour), wipe.OverallPartialFailure, 30, 70)
	require.NoError(t, store.SaveJob(ctx, older))
	require.NoError(t, store.SaveJob(ctx, newer))

	t.Run("duplicate rejected", func(t *testing.T) {
		err := store.SaveJob(ctx, older)
		assert.True(t, cerr.Is(err, ErrExists))
	})

	t.Run("unfinished rejected", func(t *testing.T) {
		running := finished(t, base, wipe.OverallSuccess, 1)
		running.FinishedAt = nil
		running.OverallStatus = ""
		assert.True(t, cerr.Is(store.SaveJob(ctx, running), ErrNotFinished))
	})

	t.Run("get", func(t *testing.T) {
		got, err := store.GetJob(ctx, older.JobID)
		require.NoError(t, err)
		assert.Equal(t, older.JobID, got.JobID)
		assert.True(t, older.StartedAt.Equal(got.StartedAt))
		assert.Equal(t, older.Targets, got.Targets)

		_, err = store.GetJob(ctx, uuid.New())
		assert.True(t, cerr.Is(err, ErrNotFound))
	})

	t.Run("list newest first", func(t *testing.T) {
		list, err := store.ListJobs(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.JobID, list[0].JobID)
		assert.Equal(t, older.JobID, list[1].JobID)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := Stats(ctx, store, base)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.TotalOperations)
		assert.Equal(t, uint64(180), stats.TotalBytesWiped)
		assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
		assert.Equal(t, 1, stats.ByStatus[wipe.OverallPartialFailure])
	})

	t.Run("certificates", func(t *testing.T) {
		signer, err := certificate.GenerateEd25519Signer("history")
		require.NoError(t, err)
		stored, err := store.GetJob(ctx, newer.JobID)
		require.NoError(t, err)

		issuer := certificate.NewIssuer(signer)
		first, err := issuer.Issue(ctx, &stored)
		require.NoError(t, err)
		second, err := issuer.Issue(ctx, &stored)
		require.NoError(t, err)
		second.IssuedAt = first.IssuedAt.Add(time.Second)

		require.NoError(t, store.SaveCertificate(ctx, second))
		require.NoError(t, store.SaveCertificate(ctx, first))
		assert.True(t, cerr.Is(store.SaveCertificate(ctx, first), ErrExists))

		certs, err := store.ListCertificates(ctx, newer.JobID)
		require.NoError(t, err)
		require.Len(t, certs, 2)
		assert.Equal(t, first.CertificateID, certs[0].CertificateID)
		assert.Equal(t, second.CertificateID, certs[1].CertificateID)
		require.NoError(t, certificate.Verify(&certs[0], &stored, signer.Verifier()))

		none, err := store.ListCertificates(ctx, older.JobID)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	storeContract(t, store)
}

func TestFileStoreIgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, jobsDir, ".tmp-123"), []byte("{partial"), 0o600))
	require.NoError(t, store.SaveJob(context.Background(), finished(t, time.Now(), wipe.OverallSuccess, 1)))

	list, err := store.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)

	entries, err := os.ReadDir(filepath.Join(dir, jobsDir))
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			assert.Len(t, strings.TrimSuffix(e.Name(), ".json"), 36)
		}
	}
}

func TestGormStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("WIPEENGINE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("WIPEENGINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenGormStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.db.Exec("DELETE FROM wipe_certificates").Error)
	require.NoError(t, store.db.Exec("DELETE FROM wipe_jobs").Error)

	storeContract(t, store)
}
