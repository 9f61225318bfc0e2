package location

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ===== プロバイダ境界 =====
// 位置情報の真のI/O境界はここだけ。エンジンは Provider 経由でしか測位しない。

type ErrorKind string

const (
	ErrKindPermissionDenied    ErrorKind = "PERMISSION_DENIED"
	ErrKindPositionUnavailable ErrorKind = "POSITION_UNAVAILABLE"
	ErrKindTimeout             ErrorKind = "TIMEOUT"
)

type ProviderError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProviderError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func ErrPermissionDenied(msg string) error {
	return &ProviderError{Kind: ErrKindPermissionDenied, Message: msg}
}
func ErrPositionUnavailable(msg string) error {
	return &ProviderError{Kind: ErrKindPositionUnavailable, Message: msg}
}
func ErrTimeout(msg string) error {
	return &ProviderError{Kind: ErrKindTimeout, Message: msg}
}

// KindOf: エラー種別の判定（ProviderError以外は POSITION_UNAVAILABLE 扱い）
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindPositionUnavailable
}

type WatchOptions struct {
	HighAccuracy bool
}

// Provider: デバイス測位プロバイダ
//   - CurrentPosition: 単発取得（timeout内に取れなければ TIMEOUT）
//   - Watch: 継続購読。返り値の stop で解除
//   - Permission: OS権限の現在値
type Provider interface {
	CurrentPosition(ctx context.Context, highAccuracy bool, timeout time.Duration) (Fix, error)
	Watch(opts WatchOptions, onFix func(Fix), onError func(error)) (stop func())
	Permission() PermissionState
}
