package heartbeat

import (
	"sync"
	"time"
)

// ===== 自動チェックアウトの鏡像ステートマシン =====
//
// 遷移はすべてオラクル応答由来。クライアントが自前で判定を作ることはなく、
// 期限(EndsAt)もサーバ発行値の鏡像にすぎない。表示用の残り時間計算は
// 遷移を起こさない。

type ExecutionState string

const (
	ExecIdle      ExecutionState = "idle"
	ExecCounting  ExecutionState = "counting"
	ExecExecuting ExecutionState = "executing" // 自動打刻リクエストの送信中
	ExecDone      ExecutionState = "done"
	ExecCancelled ExecutionState = "cancelled"
)

type Reason string

const (
	ReasonLocationDisabled Reason = "LOCATION_DISABLED"
	ReasonOutOfBranch      Reason = "OUT_OF_BRANCH"
)

// Mirror: サーバ判定の鏡像。Active ⇒ セッションが存在する。
type Mirror struct {
	Active    bool           `json:"active"`
	Reason    Reason         `json:"reason,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndsAt    time.Time      `json:"ends_at,omitempty"` // 常にサーバ発行
	Exec      ExecutionState `json:"execution_state"`
}

type Machine struct {
	mu     sync.Mutex
	m      Mirror
	notice bool // Done後の一度きり通知
}

func NewMachine() *Machine {
	return &Machine{m: Mirror{Exec: ExecIdle}}
}

// ApplyPending: pendingCreated / pendingActive → Counting
func (s *Machine) ApplyPending(sessionID string, reason Reason, startedAtMs, endsAtMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.m.Exec {
	case ExecIdle, ExecCancelled, ExecCounting:
		s.m = Mirror{
			Active:    true,
			Reason:    reason,
			SessionID: sessionID,
			StartedAt: time.UnixMilli(startedAtMs).UTC(),
			EndsAt:    time.UnixMilli(endsAtMs).UTC(),
			Exec:      ExecCounting,
		}
	default:
		// Executing/Done 中のpendingは遅延応答。無視してよい。
	}
}

// ApplyCleared: pendingCancelled または status=OK → Cancelled
func (s *Machine) ApplyCleared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.Exec == ExecCounting {
		s.m = Mirror{Exec: ExecCancelled}
	}
}

// BeginExecute: 自動打刻リクエストの送信中だけ Executing
func (s *Machine) BeginExecute() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.Exec == ExecCounting || s.m.Exec == ExecIdle || s.m.Exec == ExecCancelled {
		s.m.Exec = ExecExecuting
	}
}

// ApplyExecuted: サーバ側で実行済み。どの状態からでも Done へ。
func (s *Machine) ApplyExecuted(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = Mirror{Reason: reason, Exec: ExecDone}
	s.notice = true
}

// ResetForNextSession: Doneはセッション単位の終端。次のセッションでIdleへ戻す。
func (s *Machine) ResetForNextSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = Mirror{Exec: ExecIdle}
	s.notice = false
}

// Remaining: 表示専用。max(0, endsAt - now)。遷移は起こさない。
func (s *Machine) Remaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.m.Active || s.m.Exec != ExecCounting {
		return 0
	}
	d := s.m.EndsAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Machine) Snapshot() Mirror {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

// CountingActive: ハートビート間隔の切替判定（3s/15s）
func (s *Machine) CountingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Active && (s.m.Exec == ExecCounting || s.m.Exec == ExecExecuting)
}

// ConsumeNotice: 自動チェックアウト実行後の一度きりの通知フラグ
func (s *Machine) ConsumeNotice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.notice {
		return false
	}
	s.notice = false
	return true
}
