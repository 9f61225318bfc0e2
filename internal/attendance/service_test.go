package attendance

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"KINTAI-agent/internal/geofence"
	"KINTAI-agent/internal/heartbeat"
	"KINTAI-agent/internal/location"
	"KINTAI-agent/internal/platform/serverapi"
)

// ===== fakes =====

type fakeServer struct {
	mu sync.Mutex

	checkInResp serverapi.Session
	checkInErr  error
	checkIns    []serverapi.CheckInRequest

	checkOutErr error
	checkOuts   []serverapi.CheckOutRequest

	activeSession *serverapi.Session
	activeErr     error
	pending       *serverapi.PendingAutoCheckout
	pendingErr    error
}

func (f *fakeServer) CheckIn(_ context.Context, req serverapi.CheckInRequest) (serverapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkIns = append(f.checkIns, req)
	return f.checkInResp, f.checkInErr
}

func (f *fakeServer) CheckOut(_ context.Context, req serverapi.CheckOutRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkOuts = append(f.checkOuts, req)
	return f.checkOutErr
}

func (f *fakeServer) GetActiveSession(_ context.Context, _ string) (*serverapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeSession, f.activeErr
}

func (f *fakeServer) GetPendingAutoCheckout(_ context.Context, _ string) (*serverapi.PendingAutoCheckout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, f.pendingErr
}

type fakeEngine struct {
	mu   sync.Mutex
	snap location.Snapshot
	high []bool
}

func (f *fakeEngine) Snapshot() location.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) SetHighAccuracy(high bool) {
	f.mu.Lock()
	f.high = append(f.high, high)
	f.mu.Unlock()
}

type fakeSiteSource struct {
	site       geofence.Site
	ok         bool
	refetchErr error
	refetched  int
}

func (f *fakeSiteSource) Current() (geofence.Site, bool) { return f.site, f.ok }
func (f *fakeSiteSource) Refetch(_ context.Context) error {
	f.refetched++
	if f.refetchErr != nil {
		return f.refetchErr
	}
	f.ok = true
	return nil
}

// ミラーは非権威なので、テストではExecを握りつぶすだけでよい
type fakeDBTX struct {
	execErr error
	execs   int
}

func (f *fakeDBTX) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	f.execs++
	return nil, f.execErr
}

func (f *fakeDBTX) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported in test")
}

func (f *fakeDBTX) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

// ===== fixture =====

var testSite = geofence.Site{SiteID: "hq", Lat: 24.7136, Lng: 46.6753, RadiusM: 150}

func insideSnap() location.Snapshot {
	now := time.Now().UTC()
	return location.Snapshot{
		State:  location.StateOk,
		Health: location.Health{Permission: location.PermGranted, IsFresh: true},
		Fix:    &location.Fix{Lat: testSite.Lat, Lng: testSite.Lng, AccuracyM: 15, CapturedAt: now},
	}
}

func outsideSnap() location.Snapshot {
	now := time.Now().UTC()
	return location.Snapshot{
		State:  location.StateOk,
		Health: location.Health{Permission: location.PermGranted, IsFresh: true},
		Fix:    &location.Fix{Lat: 25.0, Lng: 47.0, AccuracyM: 15, CapturedAt: now},
	}
}

type fixture struct {
	server  *fakeServer
	engine  *fakeEngine
	sites   *fakeSiteSource
	machine *heartbeat.Machine
	dbtx    *fakeDBTX
	svc     *Service

	mu       sync.Mutex
	started  []string
	ended    int
	pendings []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pinHash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		server:  &fakeServer{checkInResp: serverapi.Session{ID: "sess-1", CheckInAtMs: time.Now().UnixMilli()}},
		engine:  &fakeEngine{},
		sites:   &fakeSiteSource{site: testSite, ok: true},
		machine: heartbeat.NewMachine(),
		dbtx:    &fakeDBTX{},
	}
	f.engine.snap = insideSnap()
	f.svc = NewService(f.server, f.engine, f.sites, f.machine, NewStore(f.dbtx), "E1", "Asia/Riyadh", pinHash)

	// 検証ループを実時間で待たせない
	f.svc.vcfg = VerifyConfig{Budget: 60 * time.Millisecond, Interval: 10 * time.Millisecond, MaxAccM: VerifyMaxAccM, MaxFixAge: VerifyMaxFixAge}

	f.svc.SetHooks(
		func(_ context.Context, id string) { f.mu.Lock(); f.started = append(f.started, id); f.mu.Unlock() },
		func() { f.mu.Lock(); f.ended++; f.mu.Unlock() },
		func(id string, _ *serverapi.PendingAutoCheckout) { f.mu.Lock(); f.pendings = append(f.pendings, id); f.mu.Unlock() },
	)
	return f
}

func (f *fixture) setSnap(s location.Snapshot) {
	f.engine.mu.Lock()
	f.engine.snap = s
	f.engine.mu.Unlock()
}

// ===== 打刻前検証 =====

func TestVerifyLocation(t *testing.T) {
	t.Run("条件を満たすFixは即受理", func(t *testing.T) {
		f := newFixture(t)
		fix, err := f.svc.VerifyLocation(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testSite.Lat, fix.Lat)
	})

	t.Run("精度不足は受理しない", func(t *testing.T) {
		f := newFixture(t)
		s := insideSnap()
		s.Fix.AccuracyM = 120 // > 80m
		f.setSnap(s)

		_, err := f.svc.VerifyLocation(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeTimeout, api.Code)
	})

	t.Run("古いFixは受理しない", func(t *testing.T) {
		f := newFixture(t)
		s := insideSnap()
		old := time.Now().UTC().Add(-time.Minute)
		s.Fix.CapturedAt = old
		f.setSnap(s)

		_, err := f.svc.VerifyLocation(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeTimeout, api.Code)
	})

	t.Run("Fixが無いまま予算切れでTIMEOUT", func(t *testing.T) {
		f := newFixture(t)
		f.setSnap(location.Snapshot{State: location.StateLocating})

		start := time.Now()
		_, err := f.svc.VerifyLocation(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeTimeout, api.Code)
		assert.GreaterOrEqual(t, time.Since(start), f.svc.vcfg.Budget)
	})
}

// ===== チェックイン =====

func TestCheckIn(t *testing.T) {
	t.Run("圏内なら成立してセッションを採用", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "sess-1", res.ID)
		assert.True(t, f.svc.HasActiveSession())

		// 開始フックとミラー書き込み、高精度切替
		f.mu.Lock()
		assert.Equal(t, []string{"sess-1"}, f.started)
		f.mu.Unlock()
		assert.Equal(t, 1, f.dbtx.execs)
		f.engine.mu.Lock()
		assert.Equal(t, []bool{true}, f.engine.high)
		f.engine.mu.Unlock()
	})

	t.Run("圏外はネットワーク前にローカルで拒否", func(t *testing.T) {
		f := newFixture(t)
		f.setSnap(outsideSnap())

		_, err := f.svc.CheckIn(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeOutsideBranch, api.Code)
		assert.Empty(t, f.server.checkIns)
	})

	t.Run("二重チェックインはCONFLICT", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)

		_, err = f.svc.CheckIn(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeConflict, api.Code)
	})

	t.Run("送信中の再送信はCONFLICT", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.svc.begin())
		defer f.svc.end()

		_, err := f.svc.CheckIn(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeConflict, api.Code)
	})

	t.Run("サーバ拒否は自動再送しない", func(t *testing.T) {
		f := newFixture(t)
		f.server.checkInErr = serverapi.ErrRejected("duplicate session")

		_, err := f.svc.CheckIn(context.Background())
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeRejected, api.Code)
		assert.Equal(t, "duplicate session", api.Message)
		assert.False(t, f.svc.HasActiveSession())
		assert.Len(t, f.server.checkIns, 1)
	})

	t.Run("サイト未取得なら再取得してから判定", func(t *testing.T) {
		f := newFixture(t)
		f.sites.ok = false

		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, f.sites.refetched)
	})

	t.Run("ミラー書き込み失敗でもチェックインは成立", func(t *testing.T) {
		f := newFixture(t)
		f.dbtx.execErr = errors.New("mirror db down")

		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)
		assert.True(t, f.svc.HasActiveSession())
	})
}

// ===== チェックアウト（手動） =====

func TestCheckOutManual(t *testing.T) {
	checkedIn := func(t *testing.T) *fixture {
		f := newFixture(t)
		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)
		return f
	}

	t.Run("PIN一致・圏内なら成立", func(t *testing.T) {
		f := checkedIn(t)
		require.NoError(t, f.svc.CheckOutManual(context.Background(), "1234"))
		assert.False(t, f.svc.HasActiveSession())
		require.Len(t, f.server.checkOuts, 1)
		assert.Nil(t, f.server.checkOuts[0].Reason)

		// 終了フックと低精度への切り戻し
		f.mu.Lock()
		assert.Equal(t, 1, f.ended)
		f.mu.Unlock()
		f.engine.mu.Lock()
		assert.Equal(t, []bool{true, false}, f.engine.high)
		f.engine.mu.Unlock()
	})

	t.Run("PIN不一致はUNAUTHORIZED", func(t *testing.T) {
		f := checkedIn(t)
		err := f.svc.CheckOutManual(context.Background(), "9999")
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeUnauthorized, api.Code)
		assert.True(t, f.svc.HasActiveSession())
	})

	t.Run("圏外確定中はブロック", func(t *testing.T) {
		f := checkedIn(t)
		f.setSnap(outsideSnap())

		err := f.svc.CheckOutManual(context.Background(), "1234")
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeOutsideBranch, api.Code)
		assert.True(t, f.svc.HasActiveSession())
		assert.Empty(t, f.server.checkOuts)
	})

	t.Run("測位中は圏外確定にならず成立する", func(t *testing.T) {
		f := checkedIn(t)
		s := outsideSnap()
		s.State = location.StateLocating
		f.setSnap(s)

		require.NoError(t, f.svc.CheckOutManual(context.Background(), "1234"))
	})

	t.Run("セッションが無ければNOT_FOUND", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.CheckOutManual(context.Background(), "1234")
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeNotFound, api.Code)
	})

	t.Run("ネットワーク失敗はセッション維持のまま返す", func(t *testing.T) {
		f := checkedIn(t)
		f.server.checkOutErr = serverapi.ErrNetwork("connection refused")

		err := f.svc.CheckOutManual(context.Background(), "1234")
		var api *APIError
		require.True(t, errors.As(err, &api))
		assert.Equal(t, CodeNetwork, api.Code)
		// 自動再送しない。リトライはユーザ操作。
		assert.True(t, f.svc.HasActiveSession())
	})
}

// ===== チェックアウト（自動） =====

func TestAutoCheckOut(t *testing.T) {
	checkedIn := func(t *testing.T) *fixture {
		f := newFixture(t)
		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)
		return f
	}

	t.Run("圏外でもブロックされず理由タグ付きで送る", func(t *testing.T) {
		f := checkedIn(t)
		f.setSnap(outsideSnap())

		require.NoError(t, f.svc.AutoCheckOut(context.Background(), heartbeat.ReasonOutOfBranch))
		assert.False(t, f.svc.HasActiveSession())
		require.Len(t, f.server.checkOuts, 1)
		require.NotNil(t, f.server.checkOuts[0].Reason)
		assert.Equal(t, string(heartbeat.ReasonOutOfBranch), *f.server.checkOuts[0].Reason)
		assert.Equal(t, heartbeat.ExecDone, f.machine.Snapshot().Exec)
	})

	t.Run("送信失敗でもローカルのセッションは終了", func(t *testing.T) {
		f := checkedIn(t)
		f.server.checkOutErr = serverapi.ErrNetwork("down")

		err := f.svc.AutoCheckOut(context.Background(), heartbeat.ReasonLocationDisabled)
		require.Error(t, err)
		// サーバは既に実行済み。ローカルも終端へ。
		assert.False(t, f.svc.HasActiveSession())
		assert.Equal(t, heartbeat.ExecDone, f.machine.Snapshot().Exec)
	})

	t.Run("セッションが無ければ鏡像だけ合わせる", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.svc.AutoCheckOut(context.Background(), heartbeat.ReasonOutOfBranch))
		assert.Equal(t, heartbeat.ExecDone, f.machine.Snapshot().Exec)
		assert.Empty(t, f.server.checkOuts)
	})
}

// ===== リコンシリエーション =====

func TestReconcile(t *testing.T) {
	t.Run("サーバ側に無ければローカルを破棄", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)

		f.server.activeSession = nil
		require.NoError(t, f.svc.Reconcile(context.Background()))
		assert.False(t, f.svc.HasActiveSession())
		f.mu.Lock()
		assert.Equal(t, 1, f.ended)
		f.mu.Unlock()
	})

	t.Run("サーバ側のセッションを採用し期限を取り直す", func(t *testing.T) {
		f := newFixture(t)
		f.server.activeSession = &serverapi.Session{ID: "sess-9", CheckInAtMs: time.Now().UnixMilli()}
		f.server.pending = &serverapi.PendingAutoCheckout{
			Active:   true,
			Reason:   string(heartbeat.ReasonOutOfBranch),
			EndsAtMs: time.Now().Add(time.Minute).UnixMilli(),
		}

		require.NoError(t, f.svc.Reconcile(context.Background()))
		assert.Equal(t, "sess-9", f.svc.ActiveSessionID())
		f.mu.Lock()
		assert.Equal(t, []string{"sess-9"}, f.started)
		assert.Equal(t, []string{"sess-9"}, f.pendings)
		f.mu.Unlock()
	})

	t.Run("取得失敗はローカルを変えない", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CheckIn(context.Background())
		require.NoError(t, err)

		f.server.activeErr = serverapi.ErrNetwork("offline")
		require.Error(t, f.svc.Reconcile(context.Background()))
		assert.True(t, f.svc.HasActiveSession())
	})

	t.Run("期限取得の失敗は致命ではない", func(t *testing.T) {
		f := newFixture(t)
		f.server.activeSession = &serverapi.Session{ID: "sess-9", CheckInAtMs: time.Now().UnixMilli()}
		f.server.pendingErr = serverapi.ErrNetwork("offline")

		require.NoError(t, f.svc.Reconcile(context.Background()))
		assert.Equal(t, "sess-9", f.svc.ActiveSessionID())
	})
}

// ===== Status =====

func TestStatus(t *testing.T) {
	t.Run("距離とジオフェンス判定を含む", func(t *testing.T) {
		f := newFixture(t)
		res := f.svc.Status()
		require.NotNil(t, res.InGeofence)
		assert.True(t, *res.InGeofence)
		require.NotNil(t, res.DistanceM)
		assert.Nil(t, res.Session)
	})

	t.Run("カウントダウンの残り時間は読み出し時点で計算", func(t *testing.T) {
		f := newFixture(t)
		f.machine.ApplyPending("sess-1", heartbeat.ReasonOutOfBranch, 0, time.Now().Add(30*time.Second).UnixMilli())

		res := f.svc.Status()
		assert.True(t, res.AutoCheckout.Active)
		assert.InDelta(t, 30, res.AutoCheckout.RemainingSec, 2)
	})

	t.Run("実行通知は一度きり", func(t *testing.T) {
		f := newFixture(t)
		f.machine.ApplyExecuted(heartbeat.ReasonLocationDisabled)

		assert.True(t, f.svc.Status().AutoCheckout.ExecutedNotice)
		assert.False(t, f.svc.Status().AutoCheckout.ExecutedNotice)
	})
}
