package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Error codes carried on the wire and in close reasons. Keep stable: clients
// branch on them to decide between retry and re-auth.
const (
	CodeUnauthenticated  = 1401
	CodeForbidden        = 1403
	CodeChatNotFound     = 1404
	CodeSenderNotMember  = 1405
	CodeValidation       = 1400
	CodeStoreUnavailable = 1503
	CodeSlowConsumer     = 1429
	CodeInternal         = 1500
)

var (
	ErrUnauthenticated  = NewCodeError(CodeUnauthenticated, "unauthenticated")
	ErrForbidden        = NewCodeError(CodeForbidden, "forbidden")
	ErrChatNotFound     = NewCodeError(CodeChatNotFound, "chat not found")
	ErrSenderNotMember  = NewCodeError(CodeSenderNotMember, "sender not a member")
	ErrValidation       = NewCodeError(CodeValidation, "validation error")
	ErrStoreUnavailable = NewCodeError(CodeStoreUnavailable, "store unavailable")
	ErrSlowConsumer     = NewCodeError(CodeSlowConsumer, "slow consumer")
	ErrInternal         = NewCodeError(CodeInternal, "internal error")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg clones the coded error with extra detail and a captured stack.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	return pkgerrors.WithStack(e.WithDetail(toString(msg, kv)))
}

// Is matches by code so wrapped/detailed copies compare equal to the sentinel.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Retryable reports whether the caller may retry the failed operation.
// Only storage unavailability is transient in this taxonomy.
func Retryable(err error) bool {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code == CodeStoreUnavailable
	}
	return false
}

// Code extracts the wire code, defaulting to internal.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithMessage(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprintf(" %v=%v", kv[i], kv[i+1]))
		} else {
			sb.WriteString(fmt.Sprintf(" %v", kv[i]))
		}
	}
	return sb.String()
}
