package wipe

import (
	"context"

	cerr "github.com/cockroachdb/errors"
)

// Классы ошибок движка. Конкретные ошибки относятся к классу через Mark,
// класс виден и errors.Is, и cerr.Is после любого количества обёрток.
var (
	ErrTargetNotFound     = cerr.New("target not found")
	ErrPermissionDenied   = cerr.New("permission denied")
	ErrInvalidTarget      = cerr.New("invalid target")
	ErrTargetBusy         = cerr.New("target busy")
	ErrTargetChanged      = cerr.New("target changed")
	ErrIO                 = cerr.New("i/o error")
	ErrShortWrite         = cerr.New("short write")
	ErrVerificationFailed = cerr.New("verification failed")
	ErrCancelled          = cerr.New("cancelled")
	ErrInvalidJob         = cerr.New("invalid job")
)

// Коды ошибок в TargetResult.ErrorCode
const (
	CodeTargetNotFound     = "TargetNotFound"
	CodePermissionDenied   = "PermissionDenied"
	CodeInvalidTarget      = "InvalidTarget"
	CodeTargetBusy         = "TargetBusy"
	CodeTargetChanged      = "TargetChanged"
	CodeIO                 = "IoError"
	CodeShortWrite         = "ShortWrite"
	CodeVerificationFailed = "VerificationFailed"
	CodeCancelled          = "Cancelled"
	CodeInvalidJob         = "InvalidJob"
)

var codeOrder = []struct {
	sentinel error
	code     string
}{
	// Более специфичные классы проверяются первыми
	{ErrCancelled, CodeCancelled},
	{ErrVerificationFailed, CodeVerificationFailed},
	{ErrTargetChanged, CodeTargetChanged},
	{ErrShortWrite, CodeShortWrite},
	{ErrTargetBusy, CodeTargetBusy},
	{ErrTargetNotFound, CodeTargetNotFound},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrInvalidTarget, CodeInvalidTarget},
	{ErrInvalidJob, CodeInvalidJob},
	{ErrIO, CodeIO},
}

// Code возвращает имя класса ошибки для отчётов
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeOrder {
		if cerr.Is(err, c.sentinel) {
			return c.code
		}
	}
	if cerr.Is(err, context.Canceled) || cerr.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeIO
}

// kindError ошибка, отнесённая к классу kind
type kindError struct {
	cause error
	kind  error
}

func (e *kindError) Error() string        { return e.cause.Error() }
func (e *kindError) Unwrap() error        { return e.cause }
func (e *kindError) Is(target error) bool { return target == e.kind }

// Mark относит err к классу kind. Сообщение и стек err сохраняются.
func Mark(err, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: err, kind: kind}
}

// markf создаёт ошибку класса kind с сообщением
func markf(kind error, format string, args ...interface{}) error {
	return Mark(cerr.Newf(format, args...), kind)
}

// wrapf оборачивает err и помечает её классом kind
func wrapf(err error, kind error, format string, args ...interface{}) error {
	if err == nil {
		return markf(kind, format, args...)
	}
	return Mark(cerr.Wrapf(err, format, args...), kind)
}

// cancelled переводит ошибку контекста в ErrCancelled
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	if cause != nil && cerr.Is(cause, ErrCancelled) {
		return cause
	}
	return wrapf(cause, ErrCancelled, "wipe cancelled")
}
