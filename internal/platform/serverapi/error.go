package serverapi

import (
	"errors"
	"fmt"
)

// ===== Error model (attendance と同型) =====

type Code string

const (
	CodeNetwork   Code = "NETWORK"   // 到達不能・タイムアウト。呼び出し側の方針で再試行
	CodeRejected  Code = "REJECTED"  // サーバが明示的に拒否（メッセージはそのまま提示）
	CodeIntegrity Code = "INTEGRITY" // 期待と異なるデータ。古い値で続行してはならない
	CodeInternal  Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string       { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrNetwork(msg string) *APIError   { return &APIError{Code: CodeNetwork, Message: msg} }
func ErrRejected(msg string) *APIError  { return &APIError{Code: CodeRejected, Message: msg} }
func ErrIntegrity(msg string) *APIError { return &APIError{Code: CodeIntegrity, Message: msg} }
func ErrInternal(msg string) *APIError  { return &APIError{Code: CodeInternal, Message: msg} }

func CodeOf(err error) Code {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code
	}
	return CodeInternal
}

// IsNetwork: ハートビート側は NETWORK を握りつぶして次のtickに任せる
func IsNetwork(err error) bool {
	return CodeOf(err) == CodeNetwork
}
