package geofence

import (
	"math"
	"time"

	"KINTAI-agent/internal/location"
)

// 地球半径（m）
const EarthRadiusM = 6371000.0

// Site: 拠点のジオフェンス（中心＋半径）。サーバ所有で、プッシュ更新か
// 明示的な再取得でのみ差し替える。
type Site struct {
	SiteID    string    `json:"site_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	RadiusM   float64   `json:"radius_m"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Evaluation struct {
	DistanceM float64 `json:"distance_m"`
	Inside    bool    `json:"inside"`
}

// Distance: haversine による大円距離（m）
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Evaluate: 境界は包含（距離 ≤ 半径 で inside）
func Evaluate(f location.Fix, s Site) Evaluation {
	d := Distance(f.Lat, f.Lng, s.Lat, s.Lng)
	return Evaluation{
		DistanceM: d,
		Inside:    d <= s.RadiusM,
	}
}

// ConfirmedOutside: 「圏外確定」はFixが存在し測位中でない場合のみ意味を持つ。
// 最初のFixが来る前に誤って圏外扱いしないためのガード。
func ConfirmedOutside(snap location.Snapshot, s Site, ok bool) bool {
	if !ok || snap.Fix == nil || snap.State == location.StateLocating {
		return false
	}
	return !Evaluate(*snap.Fix, s).Inside
}
