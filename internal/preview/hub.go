package preview

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"leancapture/internal/camera"
)

// ErrSessionNotFound は指定IDのセッションが存在しないことを表す
var ErrSessionNotFound = errors.New("セッションが見つかりません")

// HubOptions はHubの設定
type HubOptions struct {
	// nil の場合は camera.DefaultRetryPolicy
	Retry  *camera.RetryPolicy
	Logger *slog.Logger
}

// Hub はプレビューセッションをIDで管理する
// 同じデバイスに対するセッションは1つだけ保持する
type Hub struct {
	manager    *camera.Manager
	enumerator *camera.Enumerator
	retry      *camera.RetryPolicy
	logger     *slog.Logger

	// opening は Open を直列化し、同じデバイスのセッションが並存しないようにする
	opening sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub は新しいHubを作成する
func NewHub(manager *camera.Manager, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		manager:    manager,
		enumerator: camera.NewEnumerator(manager),
		retry:      opts.Retry,
		logger:     opts.Logger.With("component", "preview.hub"),
		sessions:   make(map[string]*Session),
	}
}

// Devices は現在接続されているデバイスを返す
func (h *Hub) Devices(ctx context.Context) ([]camera.Device, error) {
	return h.enumerator.Enumerate(ctx)
}

// Open はシンボリックリンクで指定したデバイスのセッションを開始する
// 同じデバイスのセッションが既にあればクローズしてから開き直す
func (h *Hub) Open(ctx context.Context, symbolicLink string) (*Session, error) {
	h.opening.Lock()
	defer h.opening.Unlock()

	devices, err := h.enumerator.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	device, ok := camera.Lookup(devices, symbolicLink)
	if !ok {
		return nil, &camera.DeviceUnavailableError{Device: camera.Device{SymbolicLink: symbolicLink}}
	}

	// 既存のセッションを閉じる
	for _, old := range h.takeByDevice(device) {
		if err := old.Close(); err != nil {
			h.logger.Warn("既存セッションのクローズに失敗", "session", old.ID(), "error", err)
		}
	}

	session := newSession(h.manager, device, h.retry, h.logger)
	if err := session.start(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.sessions[session.ID()] = session
	h.mu.Unlock()

	h.logger.Info("プレビューセッションを開始しました", "session", session.ID(), "device", device.String())
	return session, nil
}

// takeByDevice は同じデバイスのセッションを登録から外して返す
func (h *Hub) takeByDevice(device camera.Device) []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	var taken []*Session
	for id, s := range h.sessions {
		if s.Device().Equal(device) {
			taken = append(taken, s)
			delete(h.sessions, id)
		}
	}
	return taken
}

// Get はIDでセッションを取得する
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// List は全セッションの状態を作成順に返す
func (h *Hub) List() []SessionInfo {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Close はセッションをクローズして登録から外す
func (h *Hub) Close(id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return s.Close()
}

// CloseAll は全セッションをクローズする
// Manager.Stop の前に呼ぶ
func (h *Hub) CloseAll() error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
