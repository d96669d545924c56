package wipe

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
)

// TargetAccessor эксклюзивный доступ к цели на время задания
type TargetAccessor interface {
	// Target цель с размером, определённым при открытии
	Target() Target
	// WriteAt пишет p целиком или возвращает ErrIO / ErrShortWrite
	WriteAt(p []byte, off uint64) error
	// ReadAt читает length байт; буфер можно вернуть через ReleasePattern
	ReadAt(length int, off uint64) ([]byte, error)
	Flush() error
	// Revalidate сверяет текущий размер с размером при открытии
	Revalidate() error
	Close() error
}

// Opener открывает цели по идентификатору
type Opener interface {
	Open(ctx context.Context, identifier string) (TargetAccessor, error)
}

// OpenerFunc адаптер функции к Opener
type OpenerFunc func(ctx context.Context, identifier string) (TargetAccessor, error)

func (f OpenerFunc) Open(ctx context.Context, identifier string) (TargetAccessor, error) {
	return f(ctx, identifier)
}

// FileOpener открывает файлы и диапазоны блоков вида path@offset+length
type FileOpener struct {
	// AllowDevices разрешает блочные и символьные устройства
	AllowDevices bool
}

// ParseIdentifier разбирает идентификатор цели. Суффикс @offset+length
// (десятичные байты) превращает цель в диапазон блоков.
func ParseIdentifier(identifier string) (path string, offset, length uint64, isRange bool, err error) {
	if strings.TrimSpace(identifier) == "" {
		return "", 0, 0, false, markf(ErrInvalidTarget, "empty target identifier")
	}

	at := strings.LastIndex(identifier, "@")
	if at < 0 {
		return identifier, 0, 0, false, nil
	}
	suffix := identifier[at+1:]
	plus := strings.Index(suffix, "+")
	if plus <= 0 || !isDigits(suffix[:plus]) || !isDigits(suffix[plus+1:]) {
		// '@' встречается и в обычных именах файлов
		return identifier, 0, 0, false, nil
	}

	offset, err = strconv.ParseUint(suffix[:plus], 10, 64)
	if err != nil {
		return "", 0, 0, false, wrapf(err, ErrInvalidTarget, "range offset in %q", identifier)
	}
	length, err = strconv.ParseUint(suffix[plus+1:], 10, 64)
	if err != nil {
		return "", 0, 0, false, wrapf(err, ErrInvalidTarget, "range length in %q", identifier)
	}
	if length == 0 {
		return "", 0, 0, false, markf(ErrInvalidTarget, "empty block range in %q", identifier)
	}
	if offset+length < offset {
		return "", 0, 0, false, markf(ErrInvalidTarget, "block range overflows in %q", identifier)
	}
	path = identifier[:at]
	if path == "" {
		return "", 0, 0, false, markf(ErrInvalidTarget, "block range without path: %q", identifier)
	}
	return path, offset, length, true, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Open открывает цель для эксклюзивной записи
func (o FileOpener) Open(ctx context.Context, identifier string) (TargetAccessor, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(ctx)
	}

	path, offset, length, isRange, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyOpenError(err, path)
	}

	mode := info.Mode()
	switch {
	case mode.IsRegular():
	case mode&fs.ModeDevice != 0:
		if !o.AllowDevices {
			return nil, cerr.WithHint(
				markf(ErrPermissionDenied, "device targets are disabled: %s", path),
				"set security.allow_block_devices: true to wipe devices",
			)
		}
	case mode.IsDir():
		return nil, markf(ErrInvalidTarget, "target is a directory: %s", path)
	default:
		return nil, markf(ErrInvalidTarget, "unsupported target type %s: %s", mode.Type(), path)
	}

	key, err := lockKey(path)
	if err != nil {
		return nil, classifyOpenError(err, path)
	}
	if !locks.acquire(key) {
		return nil, markf(ErrTargetBusy, "target %s is already open in this process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		locks.release(key)
		return nil, classifyOpenError(err, path)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		locks.release(key)
		return nil, err
	}

	total, err := sizeOf(f)
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		locks.release(key)
		return nil, err
	}

	target := Target{
		Identifier: identifier,
		Path:       path,
		SizeBytes:  total,
		Kind:       TargetFile,
	}
	if isRange {
		if offset+length > total {
			_ = unlockFile(f)
			_ = f.Close()
			locks.release(key)
			return nil, markf(ErrInvalidTarget, "block range %d+%d exceeds size %d of %s", offset, length, total, path)
		}
		target.Offset = offset
		target.SizeBytes = length
		target.Kind = TargetBlockRange
	}

	return &fileAccessor{
		f:         f,
		target:    target,
		key:       key,
		openTotal: total,
	}, nil
}

func classifyOpenError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return wrapf(err, ErrTargetNotFound, "open %s", path)
	case os.IsPermission(err):
		return wrapf(err, ErrPermissionDenied, "open %s", path)
	default:
		return wrapf(err, ErrIO, "open %s", path)
	}
}

func lockKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// lockRegistry блокировки внутри процесса; flock на части платформ не
// различает дескрипторы одного процесса
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var locks = &lockRegistry{held: make(map[string]struct{})}

func (r *lockRegistry) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[key]; busy {
		return false
	}
	r.held[key] = struct{}{}
	return true
}

func (r *lockRegistry) release(key string) {
	r.mu.Lock()
	delete(r.held, key)
	r.mu.Unlock()
}

// fileAccessor доступ к файлу или диапазону блоков
type fileAccessor struct {
	mu        sync.Mutex
	f         *os.File
	target    Target
	key       string
	openTotal uint64
	closed    bool
}

func (a *fileAccessor) Target() Target {
	return a.target
}

func (a *fileAccessor) checkBounds(length int, off uint64) error {
	if length < 0 || off+uint64(length) > a.target.SizeBytes || off+uint64(length) < off {
		return markf(ErrIO, "access %d+%d outside target %s of size %d", off, length, a.target.Identifier, a.target.SizeBytes)
	}
	return nil
}

func (a *fileAccessor) WriteAt(p []byte, off uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return markf(ErrIO, "write to closed target %s", a.target.Identifier)
	}
	if err := a.checkBounds(len(p), off); err != nil {
		return err
	}

	base := int64(a.target.Offset + off)
	written := 0
	for written < len(p) {
		n, err := a.f.WriteAt(p[written:], base+int64(written))
		if n > 0 {
			written += n
		}
		if err != nil {
			return wrapf(err, ErrIO, "write %s at %d", a.target.Identifier, off+uint64(written))
		}
		if n == 0 {
			return markf(ErrShortWrite, "write %s at %d returned 0 bytes", a.target.Identifier, off+uint64(written))
		}
	}
	return nil
}

func (a *fileAccessor) ReadAt(length int, off uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, markf(ErrIO, "read from closed target %s", a.target.Identifier)
	}
	if err := a.checkBounds(length, off); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	buf := GetBuffer(length)
	n, err := a.f.ReadAt(buf, int64(a.target.Offset+off))
	if n < length {
		PutBuffer(buf)
		if err == nil || err == io.EOF {
			return nil, markf(ErrIO, "short read %s at %d: %d of %d bytes", a.target.Identifier, off, n, length)
		}
		return nil, wrapf(err, ErrIO, "read %s at %d", a.target.Identifier, off)
	}
	return buf, nil
}

func (a *fileAccessor) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return markf(ErrIO, "flush closed target %s", a.target.Identifier)
	}
	if err := a.f.Sync(); err != nil {
		return wrapf(err, ErrIO, "sync %s", a.target.Identifier)
	}
	return nil
}

func (a *fileAccessor) Revalidate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return markf(ErrIO, "revalidate closed target %s", a.target.Identifier)
	}

	total, err := sizeOf(a.f)
	if err != nil {
		return err
	}
	if total != a.openTotal {
		return markf(ErrTargetChanged, "size of %s changed from %d to %d", a.target.Path, a.openTotal, total)
	}

	// путь должен указывать на тот же файл, что был открыт
	fdInfo, err := a.f.Stat()
	if err != nil {
		return wrapf(err, ErrIO, "stat %s", a.target.Identifier)
	}
	pathInfo, err := os.Stat(a.target.Path)
	if err != nil || !os.SameFile(fdInfo, pathInfo) {
		return markf(ErrTargetChanged, "%s no longer refers to the opened file", a.target.Path)
	}
	return nil
}

func (a *fileAccessor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var result *multierror.Error
	if err := unlockFile(a.f); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.f.Close(); err != nil {
		result = multierror.Append(result, wrapf(err, ErrIO, "close %s", a.target.Identifier))
	}
	locks.release(a.key)
	return result.ErrorOrNil()
}

// sizeOf истинный размер файла или устройства
func sizeOf(f *os.File) (uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, wrapf(err, ErrIO, "stat %s", f.Name())
	}
	if info.Mode()&fs.ModeDevice != 0 {
		return deviceSize(f)
	}
	if info.Size() < 0 {
		return 0, markf(ErrIO, "negative size reported for %s", f.Name())
	}
	return uint64(info.Size()), nil
}
