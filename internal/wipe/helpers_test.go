package wipe

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type chunkSpan struct {
	off uint64
	n   int
}

// memAccessor цель в памяти с хуками для внедрения сбоев
type memAccessor struct {
	mu      sync.Mutex
	target  Target
	data    []byte
	writes  []chunkSpan
	flushes int
	closed  bool

	// corruptRead портит прочитанный буфер; аргумент номер последней записи (с 1)
	corruptRead func(writes int, buf []byte)
	// beforeWrite вызывается перед каждой записью без удержания мьютекса
	beforeWrite func(writes int)
	revalidate  func() error
}

func newMemAccessor(id string, size int) *memAccessor {
	return &memAccessor{
		target: Target{Identifier: id, Path: id, SizeBytes: uint64(size), Kind: TargetFile},
		data:   make([]byte, size),
	}
}

func (m *memAccessor) Target() Target { return m.target }

func (m *memAccessor) WriteAt(p []byte, off uint64) error {
	m.mu.Lock()
	n := len(m.writes) + 1
	hook := m.beforeWrite
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if off+uint64(len(p)) > uint64(len(m.data)) {
		return markf(ErrIO, "out of bounds")
	}
	copy(m.data[off:], p)
	m.writes = append(m.writes, chunkSpan{off: off, n: len(p)})
	return nil
}

func (m *memAccessor) ReadAt(length int, off uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+uint64(length) > uint64(len(m.data)) {
		return nil, markf(ErrIO, "out of bounds")
	}
	buf := make([]byte, length)
	copy(buf, m.data[off:])
	if m.corruptRead != nil {
		m.corruptRead(len(m.writes), buf)
	}
	return buf, nil
}

func (m *memAccessor) Flush() error {
	m.mu.Lock()
	m.flushes++
	m.mu.Unlock()
	return nil
}

func (m *memAccessor) Revalidate() error {
	if m.revalidate != nil {
		return m.revalidate()
	}
	return nil
}

func (m *memAccessor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memAccessor) snapshotWrites() []chunkSpan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chunkSpan(nil), m.writes...)
}

func (m *memAccessor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// memOpener отдаёт заранее созданные цели; отсутствующие дают TargetNotFound
type memOpener map[string]*memAccessor

func (o memOpener) Open(_ context.Context, id string) (TargetAccessor, error) {
	acc, ok := o[id]
	if !ok {
		return nil, markf(ErrTargetNotFound, "no such target %s", id)
	}
	return acc, nil
}

// writeTempFile создает файл заданного размера с ненулевым содержимым
func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) + 1
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
