package preview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"leancapture/internal/camera"
)

// セッションの状態
const (
	StatusActive = "active"
	StatusFailed = "failed"
	StatusClosed = "closed"
)

// SessionInfo はセッションの状態のスナップショット
type SessionInfo struct {
	ID          string             `json:"id"`
	Device      camera.Device      `json:"device"`
	Status      string             `json:"status"`
	ReaderState camera.ReaderState `json:"reader_state"`
	CreatedAt   time.Time          `json:"created_at"`
	Stats       camera.ReaderStats `json:"stats"`
	Error       string             `json:"error,omitempty"`
}

// Session は1台のデバイスを読み続け、最新フレームを保持する
// フレームが届くたびに次の読み取りを要求する
type Session struct {
	id        string
	device    camera.Device
	createdAt time.Time
	reader    *camera.Reader
	logger    *slog.Logger

	mu          sync.RWMutex
	latest      *camera.FrameBuffer
	failure     error
	closed      bool
	subscribers map[chan *camera.FrameBuffer]struct{}

	closeOnce sync.Once
	closeErr  error
}

// newSession はReaderを作成してセッションを組み立てる（オープンはしない）
func newSession(manager *camera.Manager, device camera.Device, retry *camera.RetryPolicy, logger *slog.Logger) *Session {
	id := uuid.New().String()
	s := &Session{
		id:          id,
		device:      device,
		createdAt:   time.Now(),
		logger:      logger.With("session", id, "device", device.SymbolicLink),
		subscribers: make(map[chan *camera.FrameBuffer]struct{}),
	}
	s.reader = camera.NewReader(manager, camera.ReaderOptions{
		OnSuccess: s.onFrame,
		OnFailure: s.onFailure,
		Retry:     retry,
		Logger:    logger,
	})
	return s
}

// start はReaderをオープンして最初の読み取りを要求する
func (s *Session) start(ctx context.Context) error {
	if err := s.reader.Open(ctx, s.device); err != nil {
		return err
	}
	if err := s.reader.ReadSample(); err != nil {
		_ = s.reader.Close()
		return err
	}
	return nil
}

// ID はセッションIDを返す
func (s *Session) ID() string { return s.id }

// Device はセッションのデバイスを返す
func (s *Session) Device() camera.Device { return s.device }

// Latest は最新フレームを dst にコピーして返す
// dst の寸法が同じならストレージを再利用する。フレームがまだない場合は nil, false
func (s *Session) Latest(dst *camera.FrameBuffer) (*camera.FrameBuffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return dst, false
	}
	return s.latest.CopyInto(dst), true
}

// Subscribe は新しいフレームを受け取るチャンネルを返す
// 受け取ったフレームは読み取り専用として扱うこと。受信が遅れた場合は古いフレームを捨てる
// セッションが終了するとチャンネルは閉じられる
func (s *Session) Subscribe() (<-chan *camera.FrameBuffer, func()) {
	ch := make(chan *camera.FrameBuffer, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Info は現在の状態を返す
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:          s.id,
		Device:      s.device,
		CreatedAt:   s.createdAt,
		ReaderState: s.reader.State(),
		Stats:       s.reader.Stats(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.failure != nil:
		info.Status = StatusFailed
		info.Error = s.failure.Error()
	case s.closed:
		info.Status = StatusClosed
	default:
		info.Status = StatusActive
	}
	return info
}

// Close はReaderをクローズし、購読者のチャンネルを閉じる
// 何度呼んでもよい
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.reader.Close()

		s.mu.Lock()
		s.closed = true
		for ch := range s.subscribers {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()

		s.logger.Info("プレビューセッションを終了しました")
	})
	return s.closeErr
}

// onFrame はReaderのゴルーチンから呼ばれる
func (s *Session) onFrame(frame *camera.FrameBuffer) {
	s.mu.Lock()
	s.latest = frame
	for ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
			// 受信が追いつかない場合は古いフレームを捨てる
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
	s.mu.Unlock()

	if err := s.reader.ReadSample(); err != nil {
		s.fail(err)
	}
}

// onFailure はReaderのゴルーチンから呼ばれる
func (s *Session) onFailure(err error) {
	var transient *camera.TransientReadError
	if errors.As(err, &transient) {
		s.logger.Warn("フレームの読み取りに失敗しました", "error", err)
		if transient.Retrying {
			// Reader が自分で再要求する
			return
		}
		if rerr := s.reader.ReadSample(); rerr != nil {
			s.fail(rerr)
		}
		return
	}
	s.fail(err)
}

// fail はセッションを失敗状態にして、コールバックの外でクローズする
func (s *Session) fail(err error) {
	// クローズ中の再要求は失敗として扱わない
	if camera.IsInvalidState(err) && s.reader.State() == camera.StateClosed {
		return
	}

	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()

	s.logger.Error("プレビューセッションが失敗しました", "error", err, "device_lost", camera.IsDeviceLoss(err))

	// コールバック中に Reader.Close を呼ぶとデッドロックするため別ゴルーチンで閉じる
	go func() { _ = s.Close() }()
}
