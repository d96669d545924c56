package wipe

import (
	"sync"
)

// BufferPool пул буферов шаблонов по классам размеров
type BufferPool struct {
	pools map[int]*sync.Pool
	mu    sync.RWMutex
}

var globalBufferPool = NewBufferPool()

// NewBufferPool создает пустой пул
func NewBufferPool() *BufferPool {
	return &BufferPool{pools: make(map[int]*sync.Pool)}
}

// GetBuffer получает буфер из общего пула
func GetBuffer(size int) []byte {
	if size <= 0 {
		return nil
	}
	return globalBufferPool.Get(size)
}

// PutBuffer возвращает буфер в общий пул
func PutBuffer(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	globalBufferPool.Put(buf)
}

// Get получает буфер нужного размера
func (bp *BufferPool) Get(size int) []byte {
	poolSize := poolSizeFor(size)

	bp.mu.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mu.RUnlock()

	if !exists {
		bp.mu.Lock()
		// Double-check
		pool, exists = bp.pools[poolSize]
		if !exists {
			pool = &sync.Pool{
				New: func() interface{} {
					return make([]byte, poolSize)
				},
			}
			bp.pools[poolSize] = pool
		}
		bp.mu.Unlock()
	}

	buf := pool.Get().([]byte)
	return buf[:size]
}

// Put возвращает буфер в пул своего класса. Содержимое затирается,
// чтобы случайные шаблоны не переживали свой проход.
func (bp *BufferPool) Put(buf []byte) {
	capacity := cap(buf)
	if poolSizeFor(capacity) != capacity {
		// чужой буфер, пулу не принадлежит
		return
	}

	bp.mu.RLock()
	pool, exists := bp.pools[capacity]
	bp.mu.RUnlock()

	if exists {
		full := buf[:capacity]
		clear(full)
		pool.Put(full)
	}
}

// poolSizeFor определяет класс размера (степени двойки до 16MB, дальше кратно 4KB)
func poolSizeFor(size int) int {
	sizes := []int{1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

	for _, poolSize := range sizes {
		if size <= poolSize {
			return poolSize
		}
	}

	return ((size + 4095) / 4096) * 4096
}
