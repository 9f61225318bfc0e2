package location

import (
	"context"
	"log"
	"sync"
	"time"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// ===== 設定 =====

type Config struct {
	InitialTimeout  time.Duration // 初回取得（低精度）
	RetryTimeout    time.Duration // リトライ（高精度）
	SelfHealTimeout time.Duration // 自己回復パルスの単発取得
	RecoveryPoll    time.Duration // 権限回復ポーリング間隔
	Supervisor      time.Duration // watch失敗後の単発リトライ間隔
	FreshTick       time.Duration // 鮮度監視の周期
	FreshWindow     time.Duration // Ok→Stale のしきい値
	SelfHeal        time.Duration // Stale中のパルス間隔
}

func DefaultConfig() Config {
	return Config{
		InitialTimeout:  InitialFixTimeout,
		RetryTimeout:    RetryFixTimeout,
		SelfHealTimeout: SelfHealFixTimeout,
		RecoveryPoll:    RecoveryPollInterval,
		Supervisor:      SupervisorInterval,
		FreshTick:       FreshnessTick,
		FreshWindow:     FreshWindow,
		SelfHeal:        SelfHealInterval,
	}
}

// ===== Engine本体 =====
//
// 権限・信号が不安定でもベストエフォートでFixを維持し続ける。
// 失敗は決してエラーとして外へ伝播させず、State/Health にのみ現れる。
// タイマ系のコールバックは毎回ロックを取って「現在の」状態を読む。
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	provider Provider
	clock    Clock
	base     context.Context // アプリ寿命のコンテキスト（リクエスト寿命と切り離す）

	state        State
	lastFix      *Fix
	perm         PermissionState
	highAccuracy bool
	running      bool

	// watch世代。古い購読からの遅延コールバックを無効化する
	gen int

	stopWatch      func()
	stopSupervisor chan struct{}
	stopPoll       chan struct{}
	stopFresh      chan struct{}
	lastSelfHeal   time.Time

	// 権限回復後に呼ばれるフック（ゲートが即時ハートビートに利用）
	onRecovered func()
}

func NewEngine(p Provider, cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		provider: p,
		clock:    realClock{},
		base:     context.Background(),
		state:    StateLocating,
		perm:     PermUnknown,
	}
}

func (e *Engine) SetOnRecovered(fn func()) {
	e.mu.Lock()
	e.onRecovered = fn
	e.mu.Unlock()
}

// Start: 初回取得→継続watch→鮮度監視の順で開始する
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	if ctx != nil {
		e.base = ctx
	}
	e.state = StateLocating
	e.perm = e.provider.Permission()
	e.startFreshnessLocked()
	e.mu.Unlock()

	go e.acquireInitialFix()
}

// Stop: 全タイマ・購読を停止する。副作用なし（ハートビート等は送らない）。
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.cancelAcquisitionLocked()
	if e.stopFresh != nil {
		close(e.stopFresh)
		e.stopFresh = nil
	}
	e.mu.Unlock()
}

// Resume: フォアグラウンド復帰。即時の取得を1回行い、watchを張り直す。
func (e *Engine) Resume() {
	e.mu.Lock()
	running := e.running
	high := e.highAccuracy
	base := e.base
	e.mu.Unlock()

	if !running {
		e.Start(base)
		return
	}
	go e.immediateAttempt()
	e.StartWatch(high)
}

// OnPermissionGranted: OSの権限付与イベント。次のポーリングを待たず即復帰。
func (e *Engine) OnPermissionGranted() {
	e.mu.Lock()
	e.perm = PermGranted
	hook := e.onRecovered
	high := e.highAccuracy
	e.mu.Unlock()

	go e.immediateAttempt()
	e.StartWatch(high)
	if hook != nil {
		hook()
	}
}

// SetHighAccuracy: セッション中は高精度。変化時のみwatchを張り替える。
func (e *Engine) SetHighAccuracy(high bool) {
	e.mu.Lock()
	if e.highAccuracy == high {
		e.mu.Unlock()
		return
	}
	e.highAccuracy = high
	watching := e.running && e.stopWatch != nil
	e.mu.Unlock()

	if watching {
		e.StartWatch(high)
	}
}

// Snapshot: 現時点の状態・ヘルス・最終Fix
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fix *Fix
	if e.lastFix != nil {
		f := *e.lastFix
		fix = &f
	}
	return Snapshot{
		State:  e.state,
		Health: buildHealth(e.perm, e.lastFix, e.clock.Now()),
		Fix:    fix,
	}
}

func (e *Engine) baseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base
}

// ===== 初回取得 =====

// acquireInitialFix: 低精度→失敗なら高精度で1回だけリトライ。
// 権限拒否はどの時点でも致命ではなく、回復ポーリングへ移行する。
func (e *Engine) acquireInitialFix() {
	ctx := e.baseCtx()

	fix, err := e.provider.CurrentPosition(ctx, false, e.cfg.InitialTimeout)
	if err == nil {
		e.commitFix(fix)
		e.StartWatch(e.currentHighAccuracy())
		return
	}
	if KindOf(err) == ErrKindPermissionDenied {
		e.enterRecoveryPoll()
		return
	}

	fix, err = e.provider.CurrentPosition(ctx, true, e.cfg.RetryTimeout)
	if err == nil {
		e.commitFix(fix)
		e.StartWatch(e.currentHighAccuracy())
		return
	}
	if KindOf(err) == ErrKindPermissionDenied {
		e.enterRecoveryPoll()
		return
	}

	// 取得不能/タイムアウト: 状態で示しつつ継続watchに任せる（無限リトライ側）
	log.Printf("[WARN] initial fix failed: %v", err)
	e.mu.Lock()
	if e.running && e.lastFix == nil {
		e.state = StateError
	}
	e.mu.Unlock()
	e.StartWatch(e.currentHighAccuracy())
}

func (e *Engine) currentHighAccuracy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highAccuracy
}

// immediateAttempt: スケジュールを待たない即時の単発取得
func (e *Engine) immediateAttempt() {
	fix, err := e.provider.CurrentPosition(e.baseCtx(), true, e.cfg.SelfHealTimeout)
	if err != nil {
		if KindOf(err) == ErrKindPermissionDenied {
			e.mu.Lock()
			e.perm = PermDenied
			e.mu.Unlock()
		}
		return
	}
	e.commitFix(fix)
}

// ===== 継続watch =====

// StartWatch: 新しいwatchを張る前に、既存のwatch/supervisor/pollを必ず止める
func (e *Engine) StartWatch(highAccuracy bool) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.highAccuracy = highAccuracy
	e.cancelAcquisitionLocked()
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	stop := e.provider.Watch(WatchOptions{HighAccuracy: highAccuracy},
		func(f Fix) { e.onWatchFix(gen, f) },
		func(err error) { e.onWatchError(gen, err) },
	)

	e.mu.Lock()
	if gen != e.gen || !e.running {
		e.mu.Unlock()
		stop()
		return
	}
	e.stopWatch = stop
	e.mu.Unlock()
}

func (e *Engine) onWatchFix(gen int, f Fix) {
	e.mu.Lock()
	if gen != e.gen || !e.running {
		e.mu.Unlock()
		return
	}
	e.commitFixLocked(f)
	e.mu.Unlock()
}

func (e *Engine) onWatchError(gen int, err error) {
	e.mu.Lock()
	if gen != e.gen || !e.running {
		e.mu.Unlock()
		return
	}
	if KindOf(err) != ErrKindPermissionDenied {
		// 一時的な取得不能はwatch継続。鮮度監視がStaleへ落とす。
		e.mu.Unlock()
		log.Printf("[WARN] watch error: %v", err)
		return
	}
	e.perm = PermDenied
	e.state = StateLocating
	e.startSupervisorLocked()
	e.mu.Unlock()
}

// ===== supervisorループ =====

// watchが権限拒否で落ちた後、最初の成功まで2秒間隔で単発取得を続ける
func (e *Engine) startSupervisorLocked() {
	if e.stopSupervisor != nil {
		return
	}
	stop := make(chan struct{})
	e.stopSupervisor = stop

	go func() {
		t := time.NewTicker(e.cfg.Supervisor)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				fix, err := e.provider.CurrentPosition(e.baseCtx(), e.currentHighAccuracy(), e.cfg.Supervisor)
				if err != nil {
					continue
				}
				e.commitFix(fix)

				e.mu.Lock()
				active := e.stopSupervisor == stop
				if active {
					close(e.stopSupervisor)
					e.stopSupervisor = nil
				}
				high := e.highAccuracy
				e.mu.Unlock()
				if !active {
					// 別のStartWatchに追い越された
					return
				}

				// 成功したので継続watchへ戻す
				e.StartWatch(high)
				return
			}
		}
	}()
}

// ===== 権限回復ポーリング =====

// PermissionDeniedは終端ではない。OS権限がgrantedになるまで再確認を続ける。
func (e *Engine) enterRecoveryPoll() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.perm = PermDenied
	e.state = StateLocating
	if e.stopPoll != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.stopPoll = stop
	e.mu.Unlock()

	go func() {
		t := time.NewTicker(e.cfg.RecoveryPoll)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if e.provider.Permission() != PermGranted {
					continue
				}
				e.mu.Lock()
				active := e.stopPoll == stop
				if active {
					close(e.stopPoll)
					e.stopPoll = nil
				}
				e.mu.Unlock()
				if active {
					e.OnPermissionGranted()
				}
				return
			}
		}
	}()
}

// ===== 鮮度監視 =====

func (e *Engine) startFreshnessLocked() {
	if e.stopFresh != nil {
		return
	}
	stop := make(chan struct{})
	e.stopFresh = stop

	go func() {
		t := time.NewTicker(e.cfg.FreshTick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				e.evalFreshness(e.clock.Now())
			}
		}
	}()
}

// evalFreshness: 1秒ごとにFixの経過時間を評価する。
// Ok→Stale、Stale中は約11秒ごとに自己回復パルス。
func (e *Engine) evalFreshness(now time.Time) {
	e.mu.Lock()
	if !e.running || e.lastFix == nil {
		e.mu.Unlock()
		return
	}
	age := e.lastFix.Age(now)

	if e.state == StateOk && age > e.cfg.FreshWindow {
		e.state = StateStale
		e.lastSelfHeal = now
		e.mu.Unlock()
		return
	}
	if e.state == StateStale && now.Sub(e.lastSelfHeal) >= e.cfg.SelfHeal {
		e.lastSelfHeal = now
		e.state = StateLocating // パルス中は「測位中」表示
		e.mu.Unlock()
		go e.selfHealPulse()
		return
	}
	e.mu.Unlock()
}

// selfHealPulse: 単発取得を試し、結果に応じて staleness を再評価する
func (e *Engine) selfHealPulse() {
	fix, err := e.provider.CurrentPosition(e.baseCtx(), true, e.cfg.SelfHealTimeout)
	if err == nil {
		e.commitFix(fix)
		return
	}
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if KindOf(err) == ErrKindPermissionDenied {
		e.perm = PermDenied
	}
	if e.lastFix != nil && e.lastFix.Age(e.clock.Now()) > e.cfg.FreshWindow {
		e.state = StateStale
	} else if e.lastFix != nil {
		e.state = StateOk
	}
	e.mu.Unlock()
}

// ===== 内部 =====

func (e *Engine) commitFix(f Fix) {
	e.mu.Lock()
	if e.running {
		e.commitFixLocked(f)
	}
	e.mu.Unlock()
}

func (e *Engine) commitFixLocked(f Fix) {
	e.lastFix = &f
	e.perm = PermGranted
	e.state = StateOk
}

func (e *Engine) cancelAcquisitionLocked() {
	if e.stopWatch != nil {
		stop := e.stopWatch
		e.stopWatch = nil
		stop()
	}
	if e.stopSupervisor != nil {
		close(e.stopSupervisor)
		e.stopSupervisor = nil
	}
	if e.stopPoll != nil {
		close(e.stopPoll)
		e.stopPoll = nil
	}
}
