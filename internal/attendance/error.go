package attendance

import (
	"errors"
	"fmt"
)

// ===== Error model (他パッケージと同型) =====

type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeTimeout         Code = "TIMEOUT"        // 打刻前検証が予算内にFixを得られなかった
	CodeOutsideBranch   Code = "OUTSIDE_BRANCH" // 圏外確定
	CodeConflict        Code = "CONFLICT"       // 二重送信・二重チェックイン
	CodeUnauthorized    Code = "UNAUTHORIZED"   // PIN不一致
	CodeNetwork         Code = "NETWORK"        // 手動リトライに委ねる（自動再送しない）
	CodeRejected        Code = "REJECTED"       // サーバ拒否（メッセージそのまま）
	CodeNotFound        Code = "NOT_FOUND"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string          { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrInvalid(msg string) *APIError      { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrTimeout(msg string) *APIError      { return &APIError{Code: CodeTimeout, Message: msg} }
func ErrOutside(msg string) *APIError      { return &APIError{Code: CodeOutsideBranch, Message: msg} }
func ErrConflict(msg string) *APIError     { return &APIError{Code: CodeConflict, Message: msg} }
func ErrUnauthorized(msg string) *APIError { return &APIError{Code: CodeUnauthorized, Message: msg} }
func ErrNetwork(msg string) *APIError      { return &APIError{Code: CodeNetwork, Message: msg} }
func ErrRejected(msg string) *APIError     { return &APIError{Code: CodeRejected, Message: msg} }
func ErrNotFound(msg string) *APIError     { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrInternal(msg string) *APIError     { return &APIError{Code: CodeInternal, Message: msg} }

func toHTTPStatus(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeUnauthorized:
			return 401
		case CodeNotFound:
			return 404
		case CodeTimeout:
			return 408
		case CodeConflict, CodeOutsideBranch:
			return 409
		case CodeNetwork, CodeRejected:
			return 502
		default:
			return 500
		}
	}
	return 500
}
