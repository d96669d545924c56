package security

import (
	"os"
	"path/filepath"
	"testing"

	cerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipeengine/internal/config"
	"wipeengine/internal/wipe"
)

func TestCheckTargets(t *testing.T) {
	root := t.TempDir()
	protected := filepath.Join(root, "protected")
	require.NoError(t, os.MkdirAll(filepath.Join(protected, "nested"), 0o755))
	free := filepath.Join(root, "free")
	require.NoError(t, os.MkdirAll(free, 0o755))

	tests := []struct {
		name    string
		targets []string
		wantErr error
	}{
		{name: "outside", targets: []string{filepath.Join(free, "a.bin")}},
		{name: "sibling prefix", targets: []string{protected + "-other/a.bin"}},
		{name: "inside", targets: []string{filepath.Join(protected, "nested", "a.bin")}, wantErr: ErrProtectedTarget},
		{name: "protected itself", targets: []string{protected}, wantErr: ErrProtectedTarget},
		{name: "relative escape", targets: []string{filepath.Join(free, "..", "protected", "a.bin")}, wantErr: ErrProtectedTarget},
		{name: "block range", targets: []string{filepath.Join(protected, "disk.img") + "@0+4096"}, wantErr: ErrProtectedTarget},
		{name: "empty identifier", targets: []string{""}, wantErr: wipe.ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTargets(tt.targets, []string{protected})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, cerr.Is(err, tt.wantErr), err.Error())
		})
	}
}

func TestCheckTargetsFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	protected := filepath.Join(root, "protected")
	require.NoError(t, os.MkdirAll(protected, 0o755))
	link := filepath.Join(root, "link")
	if err := os.Symlink(protected, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	err := CheckTargets([]string{filepath.Join(link, "a.bin")}, []string{protected})
	assert.True(t, cerr.Is(err, ErrProtectedTarget))
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/srv/data", "/srv/data"))
	assert.True(t, IsWithin("/srv/data/a", "/srv/data"))
	assert.False(t, IsWithin("/srv/database", "/srv/data"))
	assert.False(t, IsWithin("/srv", "/srv/data"))
}

func TestShouldConfirm(t *testing.T) {
	cfg := config.Default()
	assert.True(t, ShouldConfirm(cfg, false))
	assert.False(t, ShouldConfirm(cfg, true))
	cfg.Security.RequireConfirmation = false
	assert.False(t, ShouldConfirm(cfg, false))
	assert.True(t, ShouldConfirm(nil, false))
}

func TestRootHint(t *testing.T) {
	rec := &wipe.JobRecord{Targets: []wipe.TargetResult{
		{Target: wipe.Target{Identifier: "/dev/sdb"}, Status: wipe.StatusFailed, ErrorCode: wipe.CodePermissionDenied},
		{Target: wipe.Target{Identifier: "/tmp/a.bin"}, Status: wipe.StatusFailed, ErrorCode: wipe.CodeTargetNotFound},
		{Target: wipe.Target{Identifier: "/tmp/b.bin"}, Status: wipe.StatusVerified},
	}}

	hint := RootHint(rec, false)
	assert.Contains(t, hint, "/dev/sdb")
	assert.NotContains(t, hint, "/tmp/a.bin")
	assert.Contains(t, hint, "root")

	assert.Empty(t, RootHint(rec, true))
	assert.Empty(t, RootHint(&wipe.JobRecord{Targets: rec.Targets[1:]}, false))
	assert.Empty(t, RootHint(nil, false))
}
