package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager はキャプチャサブシステムのプロセス全体のライフサイクルを管理する
// デバイス列挙とReaderのオープンは Running の間だけ許可される
type Manager struct {
	platform Platform
	logger   *slog.Logger

	mu      sync.Mutex
	phase   Phase
	readers map[*Reader]struct{}

	// バックグラウンドスキャン用
	scanInterval time.Duration
	onChange     []func(DeviceChange)
	known        map[string]Device
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewManager は新しいManagerを作成する
// logger が nil の場合は slog.Default() を使う
func NewManager(platform Platform, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		platform: platform,
		logger:   logger.With("component", "camera.manager"),
		phase:    PhaseUninitialized,
		readers:  make(map[*Reader]struct{}),
	}
}

// Start はネイティブキャプチャサブシステムを初期化する
// 既に Running の場合は LifecycleError を返す
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseRunning {
		return &LifecycleError{Op: "start", Phase: m.phase, Msg: "既に開始されています"}
	}

	if err := m.platform.Startup(); err != nil {
		code, _ := nativeCode(err)
		return &SessionError{Op: "startup", Code: code, Err: err}
	}
	m.phase = PhaseRunning
	m.known = nil

	// スキャン間隔が設定されている場合、バックグラウンドスキャンを開始
	if m.scanInterval > 0 {
		m.stopCh = make(chan struct{})
		m.wg.Add(1)
		go m.backgroundScan(m.stopCh, m.scanInterval)
	}

	m.logger.Info("キャプチャサブシステムを開始しました")
	return nil
}

// Stop はネイティブキャプチャサブシステムを終了する
// Running でない場合、またはオープン中のReaderがある場合は LifecycleError を返す
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.phase != PhaseRunning {
		phase := m.phase
		m.mu.Unlock()
		return &LifecycleError{Op: "stop", Phase: phase, Msg: "開始されていません"}
	}
	if n := len(m.readers); n > 0 {
		m.mu.Unlock()
		return &LifecycleError{Op: "stop", Phase: PhaseRunning, Msg: fmt.Sprintf("%d 個のReaderがオープンしたままです", n)}
	}

	// 新しいReaderのオープンを拒否してからスキャンを止める
	m.phase = PhaseUninitialized
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		m.wg.Wait()
	}

	if err := m.platform.Shutdown(); err != nil {
		code, _ := nativeCode(err)
		return &SessionError{Op: "shutdown", Code: code, Err: err}
	}

	m.logger.Info("キャプチャサブシステムを停止しました")
	return nil
}

// Phase は現在のフェーズを返す
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Running は Running フェーズかどうかを返す
func (m *Manager) Running() bool {
	return m.Phase() == PhaseRunning
}

// OpenReaders はオープン中のReader数を返す
func (m *Manager) OpenReaders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readers)
}

// SetScanInterval はバックグラウンドスキャンの間隔を設定する
// 0 以下で無効。次回の Start から有効になる
func (m *Manager) SetScanInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanInterval = interval
}

// OnDeviceChange はデバイスの追加・削除時に呼ばれるハンドラを登録する
func (m *Manager) OnDeviceChange(fn func(DeviceChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// requireRunning は Running でなければ LifecycleError を返す
func (m *Manager) requireRunning(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseRunning {
		return &LifecycleError{Op: op, Phase: m.phase, Msg: "キャプチャマネージャーが開始されていません"}
	}
	return nil
}

// register はReaderをオープン中として登録する（Running の場合のみ）
func (m *Manager) register(r *Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseRunning {
		return &LifecycleError{Op: "open", Phase: m.phase, Msg: "キャプチャマネージャーが開始されていません"}
	}
	m.readers[r] = struct{}{}
	return nil
}

// unregister はReaderの登録を解除する
func (m *Manager) unregister(r *Reader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.readers, r)
}

// backgroundScan は定期的にデバイスをスキャンして変化を通知する
func (m *Manager) backgroundScan(stopCh <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			m.scanOnce(ctx)
			cancel()
		}
	}
}

// scanOnce は1回分のスキャンを行い、前回との差分を通知する
func (m *Manager) scanOnce(ctx context.Context) {
	devices, err := m.platform.Devices(ctx)
	if err != nil {
		m.logger.Warn("デバイスのスキャンに失敗", "error", err)
		return
	}

	current := make(map[string]Device, len(devices))
	for _, d := range devices {
		current[d.SymbolicLink] = d
	}

	m.mu.Lock()
	previous := m.known
	m.known = current
	handlers := append([]func(DeviceChange){}, m.onChange...)
	readers := make([]*Reader, 0, len(m.readers))
	for r := range m.readers {
		readers = append(readers, r)
	}
	m.mu.Unlock()

	// 初回スキャンは基準値の取得のみ
	if previous == nil {
		return
	}

	now := time.Now()
	var changes []DeviceChange
	for link, d := range current {
		if _, ok := previous[link]; !ok {
			changes = append(changes, DeviceChange{Kind: DeviceAdded, Device: d, At: now})
		}
	}
	for link, d := range previous {
		if _, ok := current[link]; !ok {
			changes = append(changes, DeviceChange{Kind: DeviceRemoved, Device: d, At: now})
		}
	}

	for _, change := range changes {
		m.logger.Info("デバイスの変化を検出", "kind", change.Kind, "device", change.Device.String())
		if change.Kind == DeviceRemoved {
			for _, r := range readers {
				r.markDeviceLost(change.Device)
			}
		}
		for _, fn := range handlers {
			fn(change)
		}
	}
}
