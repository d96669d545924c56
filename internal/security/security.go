// Package security проверяет цели затирания до запуска задания.
package security

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	cerr "github.com/cockroachdb/errors"

	"wipeengine/internal/config"
	"wipeengine/internal/wipe"
)

// ErrProtectedTarget цель попадает в защищённый путь
var ErrProtectedTarget = cerr.New("target is protected")

// CheckTargets отклоняет идентификаторы, указывающие на защищённые пути.
// Идентификаторы с диапазоном проверяются по пути.
func CheckTargets(identifiers []string, protectedPaths []string) error {
	protected := make([]string, 0, len(protectedPaths))
	for _, p := range protectedPaths {
		protected = append(protected, normalize(p))
	}

	for _, id := range identifiers {
		path, _, _, _, err := wipe.ParseIdentifier(id)
		if err != nil {
			return err
		}
		resolved := normalize(path)
		for _, p := range protected {
			if IsWithin(resolved, p) {
				return cerr.WithHint(
					wipe.Mark(cerr.Newf("target %s is inside protected path %s", id, p), ErrProtectedTarget),
					"remove the path from security.protected_paths if this is intended",
				)
			}
		}
	}
	return nil
}

// IsWithin true, если path совпадает с root или лежит внутри него
func IsWithin(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ShouldConfirm требуется ли интерактивное подтверждение
func ShouldConfirm(cfg *config.Config, assumeYes bool) bool {
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg.Security.RequireConfirmation && !assumeYes
}

func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	// несуществующий файл: разрешаем ссылки в каталоге
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// IsRoot true для суперпользователя; доступ к блочным устройствам обычно требует его
func IsRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == 0
}

// RootHint подсказка для целей, отклонённых из-за прав доступа.
// Пустая строка, если таких целей нет или процесс уже root.
func RootHint(rec *wipe.JobRecord, root bool) string {
	if root || rec == nil {
		return ""
	}
	var denied []string
	for _, tr := range rec.Targets {
		if tr.ErrorCode == wipe.CodePermissionDenied {
			denied = append(denied, tr.Target.Identifier)
		}
	}
	if len(denied) == 0 {
		return ""
	}
	return "Недостаточно прав для " + strings.Join(denied, ", ") + ": устройства обычно требуют запуска от root"
}
