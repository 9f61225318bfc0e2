package serverapi

// サーバとのワイヤ表現。時刻はすべてエポックミリ秒。

type HeartbeatRequest struct {
	EmployeeID string  `json:"employee_id"`
	SessionID  string  `json:"session_id"`
	GpsOK      bool    `json:"gps_ok"`
	InGeofence bool    `json:"in_geofence"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	AccuracyM  float64 `json:"accuracy"`
}

// HeartbeatResponse: ポリシーオラクルの判定。常にローカル状態より優先。
// 排他: executed / pending(created|active) / cancelled / status=OK のいずれか。
type HeartbeatResponse struct {
	Status               string `json:"status"` // "OK" ほか
	AutoCheckoutExecuted bool   `json:"auto_checkout_executed,omitempty"`
	PendingCreated       bool   `json:"pending_created,omitempty"`
	PendingActive        bool   `json:"pending_active,omitempty"`
	PendingCancelled     bool   `json:"pending_cancelled,omitempty"`
	Reason               string `json:"reason,omitempty"` // LOCATION_DISABLED | OUT_OF_BRANCH
	StartedAtMs          int64  `json:"started_at_ms,omitempty"`
	EndsAtMs             int64  `json:"ends_at_ms,omitempty"`
	SecondsRemaining     int64  `json:"seconds_remaining,omitempty"`
}

type Session struct {
	ID           string `json:"id"`
	CheckInAtMs  int64  `json:"check_in_at_ms"`
	CheckOutAtMs *int64 `json:"check_out_at_ms,omitempty"`
}

type GeoPoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy"`
}

type CheckInRequest struct {
	EmployeeID     string   `json:"employee_id"`
	Location       GeoPoint `json:"location"`
	DeviceTimezone string   `json:"device_timezone"`
}

type CheckOutRequest struct {
	EmployeeID     string   `json:"employee_id"`
	Location       GeoPoint `json:"location"`
	DeviceTimezone string   `json:"device_timezone"`
	Reason         *string  `json:"reason,omitempty"` // 自動チェックアウト時のみ
}

type PendingAutoCheckout struct {
	Active      bool   `json:"active"`
	Reason      string `json:"reason"`
	StartedAtMs int64  `json:"started_at_ms"`
	EndsAtMs    int64  `json:"ends_at_ms"`
}

type SiteResponse struct {
	SiteID      string  `json:"site_id"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	RadiusM     float64 `json:"radius_m"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
