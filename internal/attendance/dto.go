package attendance

import (
	"time"

	"KINTAI-agent/internal/heartbeat"
	"KINTAI-agent/internal/location"
)

const (
	SortCheckedInDesc = "checked_in_desc"
	SortCheckedInAsc  = "checked_in_asc"
	DefaultPageLimit  = 50
	MaxPageLimit      = 200
	DefaultSort       = SortCheckedInDesc
	DateLayout        = "2006-01-02"
)

type CheckOutRequest struct {
	PIN string `json:"pin" binding:"required"` // 手動チェックアウトの明示的確認
}

type SessionResponse struct {
	ID         string     `json:"id"`
	CheckInAt  time.Time  `json:"check_in_at"`
	CheckOutAt *time.Time `json:"check_out_at,omitempty"`
}

// AutoCheckoutView: 鏡像マシンの表示用ビュー。残り時間は読み出し時点で計算。
type AutoCheckoutView struct {
	Active         bool                     `json:"active"`
	Reason         heartbeat.Reason         `json:"reason,omitempty"`
	Exec           heartbeat.ExecutionState `json:"execution_state"`
	EndsAt         *time.Time               `json:"ends_at,omitempty"`
	RemainingSec   int64                    `json:"remaining_sec"`
	ExecutedNotice bool                     `json:"executed_notice"` // 一度きり
}

type StatusResponse struct {
	Location     location.Snapshot `json:"location"`
	DistanceM    *float64          `json:"distance_m,omitempty"`
	InGeofence   *bool             `json:"in_geofence,omitempty"`
	Session      *SessionResponse  `json:"session,omitempty"`
	AutoCheckout AutoCheckoutView  `json:"auto_checkout"`
}

type ListQuery struct {
	From   *string // YYYY-MM-DD
	To     *string
	Reason *string
	Limit  int
	Offset int
	Sort   string
}

type HistoryItem struct {
	SessionID      string     `json:"session_id"`
	CheckedInAt    time.Time  `json:"checked_in_at"`
	CheckedOutAt   *time.Time `json:"checked_out_at,omitempty"`
	CheckoutReason *string    `json:"checkout_reason,omitempty"` // 自動実行時のみ
}

type StatsRow struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}
