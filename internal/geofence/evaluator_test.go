package geofence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KINTAI-agent/internal/location"
)

func TestDistance(t *testing.T) {
	t.Run("同一地点はゼロ", func(t *testing.T) {
		assert.Zero(t, Distance(24.7136, 46.6753, 24.7136, 46.6753))
	})

	t.Run("対称", func(t *testing.T) {
		d1 := Distance(35.6812, 139.7671, 35.6586, 139.7454)
		d2 := Distance(35.6586, 139.7454, 35.6812, 139.7671)
		assert.InDelta(t, d1, d2, 1e-9)
	})

	t.Run("既知の距離に近い", func(t *testing.T) {
		// 東京駅〜東京タワー: 約3.2km
		d := Distance(35.6812, 139.7671, 35.6586, 139.7454)
		assert.InDelta(t, 3200, d, 200)
	})
}

func TestEvaluate(t *testing.T) {
	site := Site{SiteID: "riyadh-hq", Lat: 24.7136, Lng: 46.6753, RadiusM: 120}

	t.Run("中心は圏内", func(t *testing.T) {
		ev := Evaluate(location.Fix{Lat: 24.7136, Lng: 46.6753}, site)
		assert.True(t, ev.Inside)
		assert.Zero(t, ev.DistanceM)
	})

	t.Run("境界は包含", func(t *testing.T) {
		// 半径を実距離ちょうどに合わせると inside
		f := location.Fix{Lat: 24.7146, Lng: 46.6753}
		d := Distance(f.Lat, f.Lng, site.Lat, site.Lng)
		on := site
		on.RadiusM = d
		assert.True(t, Evaluate(f, on).Inside)

		// わずかに縮めると outside
		under := site
		under.RadiusM = d - 0.01
		assert.False(t, Evaluate(f, under).Inside)
	})

	t.Run("遠方は圏外", func(t *testing.T) {
		ev := Evaluate(location.Fix{Lat: 24.8, Lng: 46.7}, site)
		assert.False(t, ev.Inside)
		assert.Greater(t, ev.DistanceM, 1000.0)
	})
}

func TestConfirmedOutside(t *testing.T) {
	site := Site{SiteID: "s", Lat: 24.7136, Lng: 46.6753, RadiusM: 100}
	far := &location.Fix{Lat: 24.8, Lng: 46.8}

	t.Run("サイト未取得なら確定しない", func(t *testing.T) {
		snap := location.Snapshot{State: location.StateOk, Fix: far}
		assert.False(t, ConfirmedOutside(snap, Site{}, false))
	})

	t.Run("Fixが無ければ確定しない", func(t *testing.T) {
		snap := location.Snapshot{State: location.StateOk}
		assert.False(t, ConfirmedOutside(snap, site, true))
	})

	t.Run("測位中は確定しない", func(t *testing.T) {
		snap := location.Snapshot{State: location.StateLocating, Fix: far}
		assert.False(t, ConfirmedOutside(snap, site, true))
	})

	t.Run("Fixあり・測位中でない・圏外なら確定", func(t *testing.T) {
		snap := location.Snapshot{State: location.StateOk, Fix: far}
		assert.True(t, ConfirmedOutside(snap, site, true))
	})

	t.Run("圏内なら確定しない", func(t *testing.T) {
		near := &location.Fix{Lat: site.Lat, Lng: site.Lng}
		snap := location.Snapshot{State: location.StateOk, Fix: near}
		assert.False(t, ConfirmedOutside(snap, site, true))
	})
}

// ===== Source =====

type fakeSiteClient struct {
	site Site
	err  error
}

func (f *fakeSiteClient) GetSite(_ context.Context, _ string) (Site, error) {
	return f.site, f.err
}

func TestSource(t *testing.T) {
	t.Run("未取得なら ok=false", func(t *testing.T) {
		s := NewSource(&fakeSiteClient{}, "tokyo")
		_, ok := s.Current()
		assert.False(t, ok)
	})

	t.Run("Refetchで現在値を差し替える", func(t *testing.T) {
		cl := &fakeSiteClient{site: Site{SiteID: "tokyo", Lat: 1, Lng: 2, RadiusM: 50, UpdatedAt: time.Now()}}
		s := NewSource(cl, "tokyo")
		require.NoError(t, s.Refetch(context.Background()))
		got, ok := s.Current()
		require.True(t, ok)
		assert.Equal(t, "tokyo", got.SiteID)
		assert.Equal(t, 50.0, got.RadiusM)
	})

	t.Run("拠点不一致はINTEGRITYで、古い値は残る", func(t *testing.T) {
		cl := &fakeSiteClient{site: Site{SiteID: "tokyo", RadiusM: 50}}
		s := NewSource(cl, "tokyo")
		require.NoError(t, s.Refetch(context.Background()))

		cl.site = Site{SiteID: "osaka", RadiusM: 80}
		err := s.Refetch(context.Background())
		var ie *IntegrityError
		require.True(t, errors.As(err, &ie))

		got, ok := s.Current()
		require.True(t, ok)
		assert.Equal(t, "tokyo", got.SiteID)
	})

	t.Run("取得失敗は現在値を変えない", func(t *testing.T) {
		cl := &fakeSiteClient{site: Site{SiteID: "tokyo", RadiusM: 50}}
		s := NewSource(cl, "tokyo")
		require.NoError(t, s.Refetch(context.Background()))

		cl.err = errors.New("network down")
		require.Error(t, s.Refetch(context.Background()))
		got, _ := s.Current()
		assert.Equal(t, 50.0, got.RadiusM)
	})

	t.Run("Applyは自拠点のみ取り込む", func(t *testing.T) {
		s := NewSource(&fakeSiteClient{}, "tokyo")
		s.Apply(Site{SiteID: "osaka", RadiusM: 99})
		_, ok := s.Current()
		assert.False(t, ok)

		s.Apply(Site{SiteID: "tokyo", RadiusM: 75})
		got, ok := s.Current()
		require.True(t, ok)
		assert.Equal(t, 75.0, got.RadiusM)
	})
}
