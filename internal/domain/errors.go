package domain

import (
	"errors"
	"net/http"
)

// Категории ошибок. Конкретные ошибки оборачивают одну из них через %w.
var (
	ErrValidation        = errors.New("validation error")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrEditWindowExpired = errors.New("edit window expired")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

var (
	ErrRoomNotFound    = wrap(ErrNotFound, "room not found")
	ErrMessageNotFound = wrap(ErrNotFound, "message not found")
	ErrNotParticipant  = wrap(ErrForbidden, "user is not a room participant")
	ErrNotSender       = wrap(ErrForbidden, "only the sender can modify the message")
	ErrRoomInactive    = wrap(ErrForbidden, "room is not active")
	ErrInvalidUserID   = wrap(ErrValidation, "invalid user id")
)

type categoryError struct {
	category error
	msg      string
}

func (e *categoryError) Error() string { return e.msg }
func (e *categoryError) Unwrap() error { return e.category }

func wrap(category error, msg string) error {
	return &categoryError{category: category, msg: msg}
}

// Validationf: ошибка валидации входного кадра.
func Validationf(msg string) error {
	return wrap(ErrValidation, msg)
}

// Коды, которые уходят клиенту в error-кадре.
const (
	CodeValidation   = "validation"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeEditWindow   = "edit_window_expired"
	CodeInternal     = "internal"
	CodeUnauthorized = "unauthorized"
)

func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrEditWindowExpired):
		return CodeEditWindow
	default:
		return CodeInternal
	}
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEditWindowExpired):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError: ошибка, вызванная содержимым запроса, а не инфраструктурой.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEditWindowExpired)
}
