package location

import "time"

// 位置情報まわりの定数（仕様値）
const (
	InitialFixTimeout    = 10 * time.Second        // 初回取得（低精度）
	RetryFixTimeout      = 12 * time.Second        // リトライ（高精度）
	SelfHealFixTimeout   = 5 * time.Second         // 自己回復パルス時の単発取得
	RecoveryPollInterval = 1500 * time.Millisecond // 権限回復ポーリング
	SupervisorInterval   = 2 * time.Second         // watch失敗後の単発リトライ
	FreshnessTick        = 1 * time.Second         // 鮮度監視
	FreshWindow          = 20 * time.Second        // Ok→Stale のしきい値
	SelfHealInterval     = 11 * time.Second        // Stale中の自己回復パルス
	HealthFreshMaxAge    = 30 * time.Second        // isFresh の上限
	HealthStaleMinAge    = 60 * time.Second        // isStale の下限
)

// OSの位置情報権限
type PermissionState string

const (
	PermGranted PermissionState = "granted"
	PermDenied  PermissionState = "denied"
	PermPrompt  PermissionState = "prompt"
	PermUnknown PermissionState = "unknown"
)

// エンジンの状態
type State string

const (
	StateLocating State = "locating"
	StateOk       State = "ok"
	StateStale    State = "stale"
	StateError    State = "error"
)

// Fix: デバイスプロバイダが返す1回分の測位結果
type Fix struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}

// Health: 権限と最終Fixの鮮度のスナップショット
// isFresh と isStale は排他（granted かつ age≤30s / granted かつ age>60s）
type Health struct {
	Permission    PermissionState `json:"permission"`
	LastFixAt     *time.Time      `json:"last_fix_at,omitempty"`
	LastFixAgeSec int64           `json:"last_fix_age_sec"`
	IsFresh       bool            `json:"is_fresh"`
	IsDisabled    bool            `json:"is_disabled"`
	IsStale       bool            `json:"is_stale"`
}

// Snapshot: エンジン外部へ公開する読み取り専用ビュー
type Snapshot struct {
	State  State  `json:"state"`
	Health Health `json:"health"`
	Fix    *Fix   `json:"fix,omitempty"`
}

// GpsOK: ハートビートの gpsOk 判定（Fixがあり、無効でも失効でもない）
func (s Snapshot) GpsOK() bool {
	return s.Fix != nil && !s.Health.IsDisabled && !s.Health.IsStale
}

func buildHealth(perm PermissionState, fix *Fix, now time.Time) Health {
	h := Health{
		Permission: perm,
		IsDisabled: perm == PermDenied,
	}
	if fix == nil {
		return h
	}
	at := fix.CapturedAt
	h.LastFixAt = &at
	age := fix.Age(now)
	if age < 0 {
		age = 0
	}
	h.LastFixAgeSec = int64(age / time.Second)
	if perm == PermGranted {
		h.IsFresh = age <= HealthFreshMaxAge
		h.IsStale = age > HealthStaleMinAge
	}
	return h
}
