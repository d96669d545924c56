package wipe

import (
	"crypto/rand"
)

// NextPattern возвращает буфер шаблона длиной length для прохода spec.
//
// offset используется только для повторяющихся последовательностей, которые
// выравниваются по абсолютному смещению в цели. previous нужен для
// Complementary: результат равен побитовому дополнению previous; при nil
// берётся затравка spec.Value. Буфер берётся из пула, вызывающий возвращает
// его через ReleasePattern.
func NextPattern(spec PassSpec, offset uint64, length int, previous []byte) ([]byte, error) {
	if length <= 0 {
		return nil, markf(ErrInvalidJob, "invalid pattern length %d", length)
	}

	switch spec.Kind {
	case PatternFixed:
		buf := GetBuffer(length)
		fillFixed(buf, spec, offset)
		return buf, nil

	case PatternComplementary:
		if previous == nil {
			buf := GetBuffer(length)
			fillByte(buf, spec.Value)
			return buf, nil
		}
		if len(previous) != length {
			return nil, markf(ErrInvalidJob, "previous buffer length %d does not match chunk length %d", len(previous), length)
		}
		buf := GetBuffer(length)
		for i, b := range previous {
			buf[i] = ^b
		}
		return buf, nil

	case PatternRandom:
		buf := GetBuffer(length)
		// только CSPRNG, без запасного генератора
		if _, err := rand.Read(buf); err != nil {
			PutBuffer(buf)
			return nil, wrapf(err, ErrIO, "random pattern generation")
		}
		return buf, nil

	default:
		return nil, markf(ErrInvalidJob, "unknown pattern kind %q", spec.Kind)
	}
}

// ReleasePattern возвращает буфер шаблона в пул
func ReleasePattern(buf []byte) {
	PutBuffer(buf)
}

func fillFixed(buf []byte, spec PassSpec, offset uint64) {
	if len(spec.Sequence) == 0 {
		fillByte(buf, spec.Value)
		return
	}
	n := uint64(len(spec.Sequence))
	phase := offset % n
	for i := range buf {
		buf[i] = spec.Sequence[phase]
		phase++
		if phase == n {
			phase = 0
		}
	}
}

func fillByte(buf []byte, v byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = v
	for filled := 1; filled < len(buf); filled *= 2 {
		copy(buf[filled:], buf[:filled])
	}
}
