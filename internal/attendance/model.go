package attendance

import (
	"time"

	"KINTAI-agent/internal/platform/serverapi"
)

// Session: 出勤セッション。チェックイン中にのみ存在する。
type Session struct {
	ID         string
	CheckInAt  time.Time
	CheckOutAt *time.Time
}

func sessionFromWire(w serverapi.Session) Session {
	s := Session{
		ID:        w.ID,
		CheckInAt: time.UnixMilli(w.CheckInAtMs).UTC(),
	}
	if w.CheckOutAtMs != nil {
		t := time.UnixMilli(*w.CheckOutAtMs).UTC()
		s.CheckOutAt = &t
	}
	return s
}

// DB行に対応（ローカルミラー。スキャン用）
type mirrorRow struct {
	SessionID      string
	EmployeeID     string
	CheckedInAt    time.Time
	CheckedOutAt   *time.Time
	CheckoutReason *string
}

func (r mirrorRow) toDTO() HistoryItem {
	return HistoryItem{
		SessionID:      r.SessionID,
		CheckedInAt:    r.CheckedInAt.UTC(),
		CheckedOutAt:   r.CheckedOutAt,
		CheckoutReason: r.CheckoutReason,
	}
}
