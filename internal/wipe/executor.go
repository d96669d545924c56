package wipe

import (
	"bytes"
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChunkSize размер чанка по умолчанию
const DefaultChunkSize = 4 * 1024 * 1024 // 4MB

var tracer = otel.Tracer("wipeengine/internal/wipe")

// ChunkFunc вызывается после каждого записанного (и проверенного) чанка
type ChunkFunc func(pass int, offset uint64, length int)

// PassExecutor выполняет один проход перезаписи по цели
type PassExecutor struct {
	ChunkSize int
	OnChunk   ChunkFunc
}

// NewPassExecutor создает исполнитель с заданным размером чанка
func NewPassExecutor(chunkSize int, onChunk ChunkFunc) *PassExecutor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &PassExecutor{ChunkSize: chunkSize, OnChunk: onChunk}
}

// RunPass перезаписывает [0,size) шаблоном spec. Отмена проверяется только
// между чанками. При проверке каждый чанк сбрасывается на устройство до
// чтения, в конце прохода выполняется ещё один Flush. Проход Complementary с индексом > 0 читает чанк предыдущего
// прохода перед перезаписью; с индексом 0 использует затравку.
func (e *PassExecutor) RunPass(ctx context.Context, accessor TargetAccessor, spec PassSpec, passIndex int, size uint64) (err error) {
	ctx, span := tracer.Start(ctx, "wipe.RunPass",
		trace.WithAttributes(
			attribute.String("target", accessor.Target().Identifier),
			attribute.Int("pass", passIndex),
			attribute.String("pattern", string(spec.Kind)),
			attribute.Bool("verify", spec.Verify),
			attribute.Int64("size", int64(size)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Code(err))
		}
		span.End()
	}()

	chunk := uint64(e.ChunkSize)
	if chunk == 0 {
		chunk = DefaultChunkSize
	}

	// размер мог измениться между проходами
	if err := accessor.Revalidate(); err != nil {
		return err
	}

	for off := uint64(0); off < size; off += chunk {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		n := chunk
		if size-off < n {
			n = size - off
		}
		last := off+n == size

		if err := e.writeChunk(accessor, spec, passIndex, off, int(n), last); err != nil {
			return err
		}

		if e.OnChunk != nil {
			e.OnChunk(passIndex, off, int(n))
		}
	}

	return accessor.Flush()
}

func (e *PassExecutor) writeChunk(accessor TargetAccessor, spec PassSpec, passIndex int, off uint64, n int, last bool) error {
	var previous []byte
	if spec.Kind == PatternComplementary && passIndex > 0 {
		prev, err := accessor.ReadAt(n, off)
		if err != nil {
			return err
		}
		previous = prev
		defer ReleasePattern(previous)
	}

	pattern, err := NextPattern(spec, off, n, previous)
	if err != nil {
		return err
	}
	defer ReleasePattern(pattern)

	if err := accessor.WriteAt(pattern, off); err != nil {
		return err
	}

	if !spec.Verify {
		return nil
	}

	// чтение должно видеть данные, уже переданные устройству
	if err := accessor.Flush(); err != nil {
		return err
	}

	if last {
		if err := accessor.Revalidate(); err != nil {
			return err
		}
	}

	got, err := accessor.ReadAt(n, off)
	if err != nil {
		return err
	}
	defer ReleasePattern(got)

	if !bytes.Equal(got, pattern) {
		return markf(ErrVerificationFailed, "pass %d: read-back mismatch in %s at offset %d",
			passIndex, accessor.Target().Identifier, off+uint64(firstMismatch(got, pattern)))
	}
	return nil
}

func firstMismatch(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
