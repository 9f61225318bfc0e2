package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"

	"KINTAI-agent/internal/geofence"
	"KINTAI-agent/internal/location"
	"KINTAI-agent/internal/platform/serverapi"
)

// ハートビート間隔（仕様値）
const (
	IdleInterval   = 15 * time.Second // 通常時
	ActiveInterval = 3 * time.Second  // カウントダウン中は短く
)

// ===== インターフェース群 =====

type OracleClient interface {
	ReportHeartbeat(ctx context.Context, req serverapi.HeartbeatRequest) (serverapi.HeartbeatResponse, error)
}

// AutoExecutor: 実行判定を受けてクライアント側の打刻を行う（attendance側で実装）
type AutoExecutor interface {
	AutoCheckOut(ctx context.Context, reason Reason) error
}

type LocationSource interface {
	Snapshot() location.Snapshot
}

type SiteProvider interface {
	Current() (geofence.Site, bool)
}

// ===== Coordinator本体 =====
//
// 在席報告を送り、オラクルの判定を鏡像マシンへ流し込む。
// tickは前回の往復完了を待たない（キューイングしない）。応答は受信時点の
// セッションIDと照合し、別セッション宛の遅延応答は棄てる。

type Config struct {
	IdleInterval   time.Duration
	ActiveInterval time.Duration
}

func DefaultConfig() Config {
	return Config{IdleInterval: IdleInterval, ActiveInterval: ActiveInterval}
}

type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	client  OracleClient
	loc     LocationSource
	sites   SiteProvider
	machine *Machine
	exec    AutoExecutor

	employeeID string
	sessionID  string
	running    bool
	stop       chan struct{}
	wake       chan struct{} // カウントダウン状態が変わったらタイマを張り直す
}

func NewCoordinator(cfg Config, client OracleClient, loc LocationSource, sites SiteProvider, machine *Machine, employeeID string) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		client:     client,
		loc:        loc,
		sites:      sites,
		machine:    machine,
		employeeID: employeeID,
		wake:       make(chan struct{}, 1),
	}
}

func (c *Coordinator) SetExecutor(exec AutoExecutor) {
	c.mu.Lock()
	c.exec = exec
	c.mu.Unlock()
}

// Start: セッション（再）取得直後に呼ぶ。初回は次のtickを待たず即時送信。
func (c *Coordinator) Start(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
	}
	stop := make(chan struct{})
	c.stop = stop
	c.sessionID = sessionID
	c.running = true
	c.mu.Unlock()

	go c.beat(ctx)
	go c.run(ctx, stop)
}

// Stop: 全tick停止。「最後のハートビート」は送らない。
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.running = false
	c.sessionID = ""
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
}

// BeatNow: スケジュール外の即時送信（フォアグラウンド復帰・権限回復時）
func (c *Coordinator) BeatNow(ctx context.Context) {
	go c.beat(ctx)
}

// Interval: 現在のカウントダウン状態に応じた送信間隔
func (c *Coordinator) Interval() time.Duration {
	if c.machine.CountingActive() {
		return c.cfg.ActiveInterval
	}
	return c.cfg.IdleInterval
}

func (c *Coordinator) run(ctx context.Context, stop chan struct{}) {
	for {
		t := time.NewTimer(c.Interval())
		select {
		case <-stop:
			t.Stop()
			return
		case <-c.wake:
			// 間隔が切り替わった。待ち中の旧間隔タイマを破棄して張り直す。
			t.Stop()
		case <-t.C:
			// 前回の往復を待たずに送る
			go c.beat(ctx)
		}
	}
}

// wakeRun: 3s/15sの切り替えを次のtickまで持ち越さない
func (c *Coordinator) wakeRun() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) beat(ctx context.Context) {
	c.mu.Lock()
	if !c.running || c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	employeeID := c.employeeID
	c.mu.Unlock()

	// 送信時点の最新状態を読む（スケジュール時の値は使わない）
	snap := c.loc.Snapshot()
	site, haveSite := c.sites.Current()
	req := BuildPayload(employeeID, sessionID, snap, site, haveSite)

	resp, err := c.client.ReportHeartbeat(ctx, req)
	if err != nil {
		// ネットワーク失敗は握りつぶす。次のtickが暗黙のリトライ。
		if !serverapi.IsNetwork(err) {
			log.Printf("[WARN] heartbeat rejected: %v", err)
		}
		return
	}
	c.applyResponse(ctx, sessionID, resp)
}

// BuildPayload: 在席報告の組み立て（純関数）
// gpsOk = Fixがあり無効/失効でない。inGeofence = Fixがあり圏内。
func BuildPayload(employeeID, sessionID string, snap location.Snapshot, site geofence.Site, haveSite bool) serverapi.HeartbeatRequest {
	req := serverapi.HeartbeatRequest{
		EmployeeID: employeeID,
		SessionID:  sessionID,
		GpsOK:      snap.GpsOK(),
	}
	if snap.Fix != nil {
		req.Lat = snap.Fix.Lat
		req.Lng = snap.Fix.Lng
		req.AccuracyM = snap.Fix.AccuracyM
		if haveSite {
			req.InGeofence = geofence.Evaluate(*snap.Fix, site).Inside
		}
	}
	return req
}

// applyResponse: オラクル応答は常にローカル状態に対して権威。
// ただし送信時と別セッションになっていたら遅延応答として棄てる。
func (c *Coordinator) applyResponse(ctx context.Context, sentSession string, resp serverapi.HeartbeatResponse) {
	c.mu.Lock()
	if sentSession != c.sessionID {
		c.mu.Unlock()
		return
	}
	exec := c.exec
	c.mu.Unlock()

	before := c.machine.CountingActive()
	defer func() {
		if c.machine.CountingActive() != before {
			c.wakeRun()
		}
	}()

	switch {
	case resp.AutoCheckoutExecuted:
		reason := Reason(resp.Reason)
		c.machine.BeginExecute()
		if exec != nil {
			// サーバは既に終了済み。クライアント側打刻の失敗でも後戻りしない。
			if err := exec.AutoCheckOut(ctx, reason); err != nil {
				log.Printf("[WARN] auto checkout submit failed: %v", err)
			}
		}
	case resp.PendingCreated || resp.PendingActive:
		c.machine.ApplyPending(sentSession, Reason(resp.Reason), resp.StartedAtMs, resp.EndsAtMs)
	case resp.PendingCancelled:
		c.machine.ApplyCleared()
	default: // status=OK
		c.machine.ApplyCleared()
	}
}

// AdoptPending: リコンシリエーション結果（再取得した期限）の取り込み
func (c *Coordinator) AdoptPending(sessionID string, p *serverapi.PendingAutoCheckout) {
	before := c.machine.CountingActive()
	if p == nil || !p.Active {
		c.machine.ApplyCleared()
	} else {
		c.machine.ApplyPending(sessionID, Reason(p.Reason), p.StartedAtMs, p.EndsAtMs)
	}
	if c.machine.CountingActive() != before {
		c.wakeRun()
	}
}
