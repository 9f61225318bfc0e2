package lifecycle

import (
	"context"
	"log"

	"KINTAI-agent/internal/location"
)

// ===== インターフェース群 =====

type Engine interface {
	Resume()
	Stop()
	OnPermissionGranted()
}

type HeartbeatCoordinator interface {
	Start(ctx context.Context, sessionID string)
	Stop()
	BeatNow(ctx context.Context)
}

type Reconciler interface {
	Reconcile(ctx context.Context) error
	HasActiveSession() bool
	ActiveSessionID() string
}

type SiteRefetcher interface {
	Refetch(ctx context.Context) error
}

// ===== Gate本体 =====
//
// フォアグラウンド/バックグラウンド/権限変化に応じて各コンポーネントを
// まとめて停止・再開する。バックグラウンドでは一切のタイマを残さず、
// 「最後のハートビート」も送らない。

type Gate struct {
	ctx    context.Context // アプリ寿命。リクエスト寿命のctxで常駐処理を始めない
	engine Engine
	beats  HeartbeatCoordinator
	recon  Reconciler
	sites  SiteRefetcher
}

func NewGate(ctx context.Context, engine Engine, beats HeartbeatCoordinator, recon Reconciler, sites SiteRefetcher) *Gate {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Gate{ctx: ctx, engine: engine, beats: beats, recon: recon, sites: sites}
}

// OnForeground: 表示復帰。セッション状態は「変わっていない」と仮定せず、
// ハートビート再開より先に必ずサーバから取り直す。
func (g *Gate) OnForeground() {
	// サイトはキャッシュを信用せず再取得（失敗は現状維持で続行）
	if err := g.sites.Refetch(g.ctx); err != nil {
		log.Printf("[WARN] site refetch failed: %v", err)
	}

	err := g.recon.Reconcile(g.ctx)
	if err != nil {
		log.Printf("[WARN] session reconcile failed: %v", err)
	}

	g.engine.Resume()

	// 成功時はReconcileのフックが即時ビート込みでハートビートを再開している。
	// 失敗時は手元のセッションのまま再開し、次の往復で整合を取る。
	if err != nil && g.recon.HasActiveSession() {
		g.beats.Start(g.ctx, g.recon.ActiveSessionID())
	}
}

// OnBackground: 非表示/ページ破棄。全タイマ・購読を停止。
func (g *Gate) OnBackground() {
	g.beats.Stop()
	g.engine.Stop()
}

// OnPermissionChanged: granted への遷移は回復ポーリングを待たず即復帰
func (g *Gate) OnPermissionChanged(state location.PermissionState) {
	if state != location.PermGranted {
		return
	}
	// 即時ビートはエンジンの回復フック経由で飛ぶ（回復ポーリング経路と共通）
	g.engine.OnPermissionGranted()
}
