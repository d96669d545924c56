package wipe

import (
	"context"

	"golang.org/x/time/rate"
)

// ThrottledAccessor ограничивает скорость записи в цель
type ThrottledAccessor struct {
	TargetAccessor
	ctx     context.Context
	limiter *rate.Limiter
}

// NewThrottledAccessor оборачивает accessor ограничением maxSpeedMBps.
// При maxSpeedMBps <= 0 возвращается исходный accessor.
func NewThrottledAccessor(ctx context.Context, accessor TargetAccessor, maxSpeedMBps float64) TargetAccessor {
	if maxSpeedMBps <= 0 {
		return accessor
	}
	bytesPerSec := maxSpeedMBps * 1024 * 1024
	burst := int(bytesPerSec)
	if burst < 1 {
		burst = 1
	}
	return &ThrottledAccessor{
		TargetAccessor: accessor,
		ctx:            ctx,
		limiter:        rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

// WriteAt ждёт токены на объём записи, чанки больше burst делятся
func (t *ThrottledAccessor) WriteAt(p []byte, off uint64) error {
	burst := t.limiter.Burst()
	for done := 0; done < len(p); {
		n := len(p) - done
		if n > burst {
			n = burst
		}
		// отмена во время ожидания не прерывает запись уже начатого чанка
		if err := t.limiter.WaitN(context.WithoutCancel(t.ctx), n); err != nil {
			return wrapf(err, ErrIO, "throttle")
		}
		if err := t.TargetAccessor.WriteAt(p[done:done+n], off+uint64(done)); err != nil {
			return err
		}
		done += n
	}
	return nil
}
