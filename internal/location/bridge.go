package location

import (
	"context"
	"sync"
	"time"
)

// ===== キオスクブリッジ =====
// ブラウザ側(navigator.geolocation)が測位し、ローカルAPI経由で
// Push してくる。エージェントから見た「デバイスプロバイダ」の実体。

type watchSub struct {
	opts    WatchOptions
	onFix   func(Fix)
	onError func(error)
}

type Bridge struct {
	mu      sync.Mutex
	perm    PermissionState
	latest  *Fix
	subs    map[int]*watchSub
	nextID  int
	waiters map[int]chan pushResult
	nextWID int
}

type pushResult struct {
	fix Fix
	err error
}

func NewBridge() *Bridge {
	return &Bridge{
		perm:    PermUnknown,
		subs:    make(map[int]*watchSub),
		waiters: make(map[int]chan pushResult),
	}
}

// Push: UIからの測位結果。購読者と単発待ちの両方へ配る。
func (b *Bridge) Push(f Fix) {
	b.mu.Lock()
	b.latest = &f
	b.perm = PermGranted // 測位できた＝権限あり
	subs := make([]*watchSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	for id, ch := range b.waiters {
		select {
		case ch <- pushResult{fix: f}:
		default:
		}
		delete(b.waiters, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.onFix(f)
	}
}

// PushError: UIからの測位エラー（権限拒否・取得不能）
func (b *Bridge) PushError(err error) {
	b.mu.Lock()
	if KindOf(err) == ErrKindPermissionDenied {
		b.perm = PermDenied
	}
	subs := make([]*watchSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	for id, ch := range b.waiters {
		select {
		case ch <- pushResult{err: err}:
		default:
		}
		delete(b.waiters, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.onError(err)
	}
}

// SetPermission: UIが権限状態の変化だけを報告した場合
func (b *Bridge) SetPermission(p PermissionState) {
	b.mu.Lock()
	b.perm = p
	b.mu.Unlock()
}

func (b *Bridge) Permission() PermissionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perm
}

// CurrentPosition: 次のPushを timeout まで待つ単発取得。
// 権限が拒否済みなら待たずに PERMISSION_DENIED を返す。
func (b *Bridge) CurrentPosition(ctx context.Context, highAccuracy bool, timeout time.Duration) (Fix, error) {
	b.mu.Lock()
	if b.perm == PermDenied {
		b.mu.Unlock()
		return Fix{}, ErrPermissionDenied("geolocation permission denied")
	}
	ch := make(chan pushResult, 1)
	id := b.nextWID
	b.nextWID++
	b.waiters[id] = ch
	b.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return Fix{}, res.err
		}
		return res.fix, nil
	case <-t.C:
		b.dropWaiter(id)
		return Fix{}, ErrTimeout("no fix within budget")
	case <-ctx.Done():
		b.dropWaiter(id)
		return Fix{}, ErrPositionUnavailable(ctx.Err().Error())
	}
}

func (b *Bridge) dropWaiter(id int) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

func (b *Bridge) Watch(opts WatchOptions, onFix func(Fix), onError func(error)) (stop func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &watchSub{opts: opts, onFix: onFix, onError: onError}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// WatchWanted: 現在高精度watchを要求しているか（UIが測位オプションに反映する）
func (b *Bridge) WatchWanted() (active bool, highAccuracy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		active = true
		if s.opts.HighAccuracy {
			highAccuracy = true
		}
	}
	return
}
