package serverapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"KINTAI-agent/internal/geofence"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ===== Client本体 =====
// 会社サーバへのHTTPクライアント。デバイスJWT(HS256)を毎回署名し、
// 更新系には Idempotency-Key(ULID) を付けて二重登録を防ぐ。

type Config struct {
	BaseURL      string
	DeviceID     string
	DeviceSecret []byte
	Timeout      time.Duration
}

type Client struct {
	cfg   Config
	hc    *http.Client
	clock Clock
	id    IDGen
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:   cfg,
		hc:    &http.Client{Timeout: timeout},
		clock: realClock{},
		id:    ulidGen{},
	}
}

// ===== 操作 =====

// ReportHeartbeat: 在席報告。判定はレスポンスが唯一の真実。
func (c *Client) ReportHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var res HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/attendance/heartbeat", req, &res, false)
	return res, err
}

func (c *Client) CheckIn(ctx context.Context, req CheckInRequest) (Session, error) {
	var res Session
	err := c.do(ctx, http.MethodPost, "/attendance/check-in", req, &res, true)
	return res, err
}

func (c *Client) CheckOut(ctx context.Context, req CheckOutRequest) error {
	return c.do(ctx, http.MethodPost, "/attendance/check-out", req, nil, true)
}

// GetActiveSession: アクティブなセッションが無ければ nil
func (c *Client) GetActiveSession(ctx context.Context, employeeID string) (*Session, error) {
	var res Session
	err := c.do(ctx, http.MethodGet, "/attendance/sessions/active?employee_id="+employeeID, nil, &res, false)
	if err != nil {
		if api, ok := err.(*APIError); ok && api.Code == CodeRejected && api.Message == "not found" {
			return nil, nil
		}
		return nil, err
	}
	if res.ID == "" {
		return nil, nil
	}
	return &res, nil
}

// GetPendingAutoCheckout: 進行中の自動チェックアウトが無ければ nil。
// リロード後のカウントダウン期限はローカル保存を信用せず必ずここで取り直す。
func (c *Client) GetPendingAutoCheckout(ctx context.Context, sessionID string) (*PendingAutoCheckout, error) {
	var res PendingAutoCheckout
	err := c.do(ctx, http.MethodGet, "/attendance/auto-checkout/pending?session_id="+sessionID, nil, &res, false)
	if err != nil {
		if api, ok := err.(*APIError); ok && api.Code == CodeRejected && api.Message == "not found" {
			return nil, nil
		}
		return nil, err
	}
	if !res.Active {
		return nil, nil
	}
	return &res, nil
}

// GetSite: geofence.SiteClient 実装
func (c *Client) GetSite(ctx context.Context, siteID string) (geofence.Site, error) {
	var res SiteResponse
	if err := c.do(ctx, http.MethodGet, "/branches/"+siteID+"/geofence", nil, &res, false); err != nil {
		return geofence.Site{}, err
	}
	return geofence.Site{
		SiteID:    res.SiteID,
		Lat:       res.Lat,
		Lng:       res.Lng,
		RadiusM:   res.RadiusM,
		UpdatedAt: time.UnixMilli(res.UpdatedAtMs).UTC(),
	}, nil
}

// ===== 内部 =====

func (c *Client) do(ctx context.Context, method, path string, body any, out any, idempotent bool) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return ErrInternal(err.Error())
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return ErrInternal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.signToken()
	if err != nil {
		return ErrInternal(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if idempotent {
		key, err := c.id.New()
		if err != nil {
			return ErrInternal(err.Error())
		}
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return ErrNetwork(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRejected("not found")
	}
	if resp.StatusCode >= 400 {
		// サーバの拒否理由はそのまま伝える
		var er errorResponse
		msg := fmt.Sprintf("http %d", resp.StatusCode)
		if b, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); rerr == nil {
			if json.Unmarshal(b, &er) == nil && er.Error.Message != "" {
				msg = er.Error.Message
			}
		}
		if resp.StatusCode >= 500 {
			return ErrInternal(msg)
		}
		return ErrRejected(msg)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ErrIntegrity("malformed response: " + err.Error())
	}
	return nil
}

// signToken: 短命のデバイストークン（sub=deviceID, exp=+5m）
func (c *Client) signToken() (string, error) {
	now := c.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.cfg.DeviceID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	})
	return token.SignedString(c.cfg.DeviceSecret)
}
