package attendance

import (
	"bytes"
	"context"
	"encoding/csv"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"KINTAI-agent/internal/geofence"
	"KINTAI-agent/internal/heartbeat"
	"KINTAI-agent/internal/location"
	"KINTAI-agent/internal/platform/serverapi"
)

// 打刻前検証（仕様値）
const (
	VerifyBudget    = 30 * time.Second
	VerifyInterval  = 3 * time.Second
	VerifyMaxAccM   = 80.0
	VerifyMaxFixAge = 20 * time.Second
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

type ServerClient interface {
	CheckIn(ctx context.Context, req serverapi.CheckInRequest) (serverapi.Session, error)
	CheckOut(ctx context.Context, req serverapi.CheckOutRequest) error
	GetActiveSession(ctx context.Context, employeeID string) (*serverapi.Session, error)
	GetPendingAutoCheckout(ctx context.Context, sessionID string) (*serverapi.PendingAutoCheckout, error)
}

type LocationEngine interface {
	Snapshot() location.Snapshot
	SetHighAccuracy(high bool)
}

type SiteProvider interface {
	Current() (geofence.Site, bool)
	Refetch(ctx context.Context) error
}

// ===== 設定 =====

type VerifyConfig struct {
	Budget    time.Duration
	Interval  time.Duration
	MaxAccM   float64
	MaxFixAge time.Duration
}

func DefaultVerifyConfig() VerifyConfig {
	return VerifyConfig{
		Budget:    VerifyBudget,
		Interval:  VerifyInterval,
		MaxAccM:   VerifyMaxAccM,
		MaxFixAge: VerifyMaxFixAge,
	}
}

// ===== Service本体 =====
//
// チェックイン/アウトのワークフロー。リクエスト送信中は再送信を禁止し、
// 失敗時も自動では再送しない（二重セッション防止。リトライはユーザ操作）。

type Service struct {
	mu sync.Mutex

	api     ServerClient
	engine  LocationEngine
	sites   SiteProvider
	machine *heartbeat.Machine
	store   *Store
	clock   Clock
	vcfg    VerifyConfig

	employeeID string
	timezone   string
	pinHash    []byte

	session  *Session
	inFlight bool

	// セッションのライフサイクルをハートビート側へ通知するフック（mainで結線）
	onStart   func(ctx context.Context, sessionID string)
	onEnd     func()
	onPending func(sessionID string, p *serverapi.PendingAutoCheckout)
}

func NewService(api ServerClient, engine LocationEngine, sites SiteProvider, machine *heartbeat.Machine, store *Store, employeeID, timezone string, pinHash []byte) *Service {
	return &Service{
		api:        api,
		engine:     engine,
		sites:      sites,
		machine:    machine,
		store:      store,
		clock:      realClock{},
		vcfg:       DefaultVerifyConfig(),
		employeeID: employeeID,
		timezone:   timezone,
		pinHash:    pinHash,
	}
}

func (s *Service) SetHooks(onStart func(ctx context.Context, sessionID string), onEnd func(), onPending func(sessionID string, p *serverapi.PendingAutoCheckout)) {
	s.mu.Lock()
	s.onStart = onStart
	s.onEnd = onEnd
	s.onPending = onPending
	s.mu.Unlock()
}

// ===== 打刻前検証 =====

// VerifyLocation: 予算30秒・3秒間隔の有限ループ。
// 精度80m以下かつ20秒以内のFixだけを受理する。期限超過は TIMEOUT（他の失敗と区別）。
func (s *Service) VerifyLocation(ctx context.Context) (location.Fix, error) {
	start := s.clock.Now()
	for {
		snap := s.engine.Snapshot()
		if f := snap.Fix; f != nil &&
			f.AccuracyM <= s.vcfg.MaxAccM &&
			f.Age(s.clock.Now()) <= s.vcfg.MaxFixAge {
			return *f, nil
		}

		elapsed := s.clock.Now().Sub(start)
		if elapsed >= s.vcfg.Budget {
			return location.Fix{}, ErrTimeout("no qualifying fix within budget")
		}
		wait := s.vcfg.Interval
		if rem := s.vcfg.Budget - elapsed; rem < wait {
			wait = rem
		}
		select {
		case <-ctx.Done():
			return location.Fix{}, ErrInternal(ctx.Err().Error())
		case <-time.After(wait):
		}
	}
}

// ===== チェックイン =====

func (s *Service) CheckIn(ctx context.Context) (*SessionResponse, error) {
	if !s.begin() {
		return nil, ErrConflict("request already in flight")
	}
	defer s.end()

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		return nil, ErrConflict("already checked in")
	}
	s.mu.Unlock()

	fix, err := s.VerifyLocation(ctx)
	if err != nil {
		return nil, err
	}

	site, ok := s.sites.Current()
	if !ok {
		if err := s.sites.Refetch(ctx); err != nil {
			return nil, mapServerErr(err)
		}
		site, ok = s.sites.Current()
		if !ok {
			return nil, ErrInternal("geofence site unavailable")
		}
	}

	// 圏外ならネットワーク呼び出しの前にローカルで拒否する
	if ev := geofence.Evaluate(fix, site); !ev.Inside {
		return nil, ErrOutside("outside branch")
	}

	wire, err := s.api.CheckIn(ctx, serverapi.CheckInRequest{
		EmployeeID:     s.employeeID,
		Location:       serverapi.GeoPoint{Lat: fix.Lat, Lng: fix.Lng, AccuracyM: fix.AccuracyM},
		DeviceTimezone: s.timezone,
	})
	if err != nil {
		return nil, mapServerErr(err)
	}
	sess := sessionFromWire(wire)

	// ミラーは非権威。失敗してもチェックインは成立している。
	if err := s.store.UpsertSession(ctx, s.employeeID, sess); err != nil {
		log.Printf("[WARN] mirror upsert failed: %v", err)
	}

	s.adoptSession(ctx, sess)
	return toSessionResponse(&sess), nil
}

// ===== チェックアウト（手動） =====

// 手動は圏外確定のあいだブロックされ、PINによる明示的な確認を要求する
func (s *Service) CheckOutManual(ctx context.Context, pin string) error {
	if !s.begin() {
		return ErrConflict("request already in flight")
	}
	defer s.end()

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ErrNotFound("no active session")
	}

	if bcrypt.CompareHashAndPassword(s.pinHash, []byte(pin)) != nil {
		return ErrUnauthorized("pin mismatch")
	}

	snap := s.engine.Snapshot()
	site, ok := s.sites.Current()
	if geofence.ConfirmedOutside(snap, site, ok) {
		return ErrOutside("cannot check out manually while outside branch")
	}

	if err := s.api.CheckOut(ctx, s.checkOutRequest(snap, nil)); err != nil {
		// 自動再送しない。ユーザの再操作に委ねる。
		return mapServerErr(err)
	}

	s.closeSession(ctx, sess.ID, nil)
	return nil
}

// ===== チェックアウト（自動） =====

// AutoCheckOut: オラクルの実行判定を受けた打刻。圏外状態では決してブロック
// しない（まさにその状態を解消するための操作）。理由タグ付きで記録する。
func (s *Service) AutoCheckOut(ctx context.Context, reason heartbeat.Reason) error {
	if !s.begin() {
		return ErrConflict("request already in flight")
	}
	defer s.end()

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		// サーバ側と既に整合している
		s.machine.ApplyExecuted(reason)
		return nil
	}

	r := string(reason)
	snap := s.engine.Snapshot()
	err := s.api.CheckOut(ctx, s.checkOutRequest(snap, &r))
	if err != nil {
		log.Printf("[WARN] auto checkout submit failed: %v", err)
	}

	// サーバは既に実行済み。送信失敗でもローカルのセッションは終了する。
	s.machine.ApplyExecuted(reason)
	s.closeSession(ctx, sess.ID, &r)
	if err != nil {
		return mapServerErr(err)
	}
	return nil
}

// ===== リコンシリエーション =====

// Reconcile: フォアグラウンド復帰・起動時。セッションと進行中の
// 自動チェックアウトを必ずサーバから取り直す（ローカル値を信用しない）。
func (s *Service) Reconcile(ctx context.Context) error {
	wire, err := s.api.GetActiveSession(ctx, s.employeeID)
	if err != nil {
		return mapServerErr(err)
	}

	if wire == nil {
		s.mu.Lock()
		had := s.session != nil
		s.session = nil
		onEnd := s.onEnd
		s.mu.Unlock()
		if had {
			s.machine.ResetForNextSession()
			s.engine.SetHighAccuracy(false)
			if onEnd != nil {
				onEnd()
			}
		}
		return nil
	}

	sess := sessionFromWire(*wire)
	s.adoptSession(ctx, sess)

	// カウントダウン期限はリロードをまたいで保存しない。常に再取得。
	p, err := s.api.GetPendingAutoCheckout(ctx, sess.ID)
	if err != nil {
		log.Printf("[WARN] pending auto-checkout fetch failed: %v", err)
		return nil
	}
	s.mu.Lock()
	onPending := s.onPending
	s.mu.Unlock()
	if onPending != nil {
		onPending(sess.ID, p)
	}
	return nil
}

// ===== 参照系 =====

func (s *Service) ActiveSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	c := *s.session
	return &c
}

func (s *Service) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

func (s *Service) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

func (s *Service) Status() StatusResponse {
	snap := s.engine.Snapshot()
	res := StatusResponse{Location: snap}

	if site, ok := s.sites.Current(); ok && snap.Fix != nil {
		ev := geofence.Evaluate(*snap.Fix, site)
		res.DistanceM = &ev.DistanceM
		inside := ev.Inside
		res.InGeofence = &inside
	}

	res.Session = toSessionResponse(s.ActiveSession())

	now := s.clock.Now()
	m := s.machine.Snapshot()
	view := AutoCheckoutView{
		Active:         m.Active,
		Reason:         m.Reason,
		Exec:           m.Exec,
		RemainingSec:   int64(s.machine.Remaining(now) / time.Second),
		ExecutedNotice: s.machine.ConsumeNotice(),
	}
	if m.Active {
		ends := m.EndsAt
		view.EndsAt = &ends
	}
	res.AutoCheckout = view
	return res
}

func (s *Service) History(ctx context.Context, q ListQuery) ([]HistoryItem, int64, error) {
	if q.Sort == "" {
		q.Sort = DefaultSort
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	rows, total, err := s.store.List(ctx, q)
	if err != nil {
		return nil, 0, ErrInternal(err.Error())
	}
	out := make([]HistoryItem, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		out = append(out, rows[i].toDTO())
	}
	return out, total, nil
}

// ExportCSV: 現地の給与ツール向けに Shift-JIS でエンコードしたCSV
func (s *Service) ExportCSV(ctx context.Context, q ListQuery) ([]byte, error) {
	items, _, err := s.History(ctx, q)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(transform.NewWriter(&buf, japanese.ShiftJIS.NewEncoder()))

	_ = w.Write([]string{"セッションID", "出勤", "退勤", "自動退勤理由"})
	for _, it := range items {
		out := ""
		if it.CheckedOutAt != nil {
			out = it.CheckedOutAt.UTC().Format(time.RFC3339)
		}
		reason := ""
		if it.CheckoutReason != nil {
			reason = *it.CheckoutReason
		}
		_ = w.Write([]string{
			it.SessionID,
			it.CheckedInAt.UTC().Format(time.RFC3339),
			out,
			reason,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, ErrInternal(err.Error())
	}
	return buf.Bytes(), nil
}

func (s *Service) Stats(ctx context.Context, from, to string) ([]StatsRow, error) {
	f, err := time.ParseInLocation(DateLayout, from, time.UTC)
	if err != nil {
		return nil, ErrInvalid("from must be YYYY-MM-DD")
	}
	t, err := time.ParseInLocation(DateLayout, to, time.UTC)
	if err != nil {
		return nil, ErrInvalid("to must be YYYY-MM-DD")
	}
	if t.Before(f) {
		return nil, ErrInvalid("to must be >= from")
	}
	rows, err := s.store.Stats(ctx, f, t)
	if err != nil {
		return nil, ErrInternal(err.Error())
	}
	return rows, nil
}

// ===== 内部 =====

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Service) end() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Service) adoptSession(ctx context.Context, sess Session) {
	s.mu.Lock()
	c := sess
	s.session = &c
	onStart := s.onStart
	s.mu.Unlock()

	s.machine.ResetForNextSession()
	s.engine.SetHighAccuracy(true) // チェックイン中は精度優先
	if onStart != nil {
		onStart(ctx, sess.ID)
	}
}

func (s *Service) closeSession(ctx context.Context, sessionID string, reason *string) {
	now := s.clock.Now().UTC()
	if err := s.store.CloseSession(ctx, sessionID, now, reason); err != nil {
		log.Printf("[WARN] mirror close failed: %v", err)
	}

	s.mu.Lock()
	s.session = nil
	onEnd := s.onEnd
	s.mu.Unlock()

	s.engine.SetHighAccuracy(false)
	if onEnd != nil {
		onEnd()
	}
}

func (s *Service) checkOutRequest(snap location.Snapshot, reason *string) serverapi.CheckOutRequest {
	req := serverapi.CheckOutRequest{
		EmployeeID:     s.employeeID,
		DeviceTimezone: s.timezone,
		Reason:         reason,
	}
	if snap.Fix != nil {
		req.Location = serverapi.GeoPoint{Lat: snap.Fix.Lat, Lng: snap.Fix.Lng, AccuracyM: snap.Fix.AccuracyM}
	}
	return req
}

func toSessionResponse(s *Session) *SessionResponse {
	if s == nil {
		return nil
	}
	return &SessionResponse{ID: s.ID, CheckInAt: s.CheckInAt, CheckOutAt: s.CheckOutAt}
}

// mapServerErr: serverapi のエラーをこの層のコードへ写す
func mapServerErr(err error) *APIError {
	switch serverapi.CodeOf(err) {
	case serverapi.CodeNetwork:
		return ErrNetwork(err.Error())
	case serverapi.CodeRejected:
		if api, ok := err.(*serverapi.APIError); ok {
			return ErrRejected(api.Message)
		}
		return ErrRejected(err.Error())
	case serverapi.CodeIntegrity:
		return ErrInternal(err.Error())
	default:
		return ErrInternal(err.Error())
	}
}

// parseIntDefault: handler用の小物
func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}
