package errs

import (
	"errors"
	"strconv"
	"strings"
)

// 错误码约定：1xxx 凭证类，2xxx 通道类。
const (
	CodeBadCredentials = 1001
	CodeAccountLocked  = 1002
	CodeTokenExpired   = 1003
	CodeRefreshDenied  = 1004
	CodeUnauthorized   = 1005

	CodeChannelClosed = 2001
)

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{
		Code: code,
		Msg:  msg,
	}
}

// CodeError mirrors the error payload the console backend returns, so a
// credential error can flow from the REST boundary to the UI unchanged.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// AsCode extracts the backend error code from err, or 0 when err carries none
// (transport failures, context cancellation and so on).
func AsCode(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// IsCredential reports whether err is a credential-class error, i.e. one that
// must end the session rather than drive a retry.
func IsCredential(err error) bool {
	c := AsCode(err)
	return c >= 1000 && c < 2000
}
