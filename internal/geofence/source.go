package geofence

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// ===== サイト供給元 =====
// 現在値1つだけを保持する。古い値へのフォールバックはしない：
// 再取得が拠点不一致を返した場合はエラーで止める（INTEGRITY）。

type SiteClient interface {
	GetSite(ctx context.Context, siteID string) (Site, error)
}

type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string { return "INTEGRITY: " + e.Message }

type Source struct {
	mu     sync.Mutex
	client SiteClient
	siteID string
	site   *Site
}

func NewSource(client SiteClient, siteID string) *Source {
	return &Source{client: client, siteID: siteID}
}

// Current: 現在のサイト。未取得なら ok=false。
func (s *Source) Current() (Site, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.site == nil {
		return Site{}, false
	}
	return *s.site, true
}

// Refetch: キャッシュを信用しない明示的な再取得（フォアグラウンド復帰時など）
func (s *Source) Refetch(ctx context.Context) error {
	site, err := s.client.GetSite(ctx, s.siteID)
	if err != nil {
		return err
	}
	if site.SiteID != s.siteID {
		// 拠点不一致は致命。古い値で続行しない。
		return &IntegrityError{Message: fmt.Sprintf("site mismatch: want %s got %s", s.siteID, site.SiteID)}
	}
	s.mu.Lock()
	s.site = &site
	s.mu.Unlock()
	return nil
}

// Apply: プッシュ更新（座標・半径変更の配信）を取り込む
func (s *Source) Apply(site Site) {
	if site.SiteID != s.siteID {
		log.Printf("[WARN] geofence push for foreign site %s ignored", site.SiteID)
		return
	}
	s.mu.Lock()
	s.site = &site
	s.mu.Unlock()
}
