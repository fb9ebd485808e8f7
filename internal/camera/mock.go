package camera

import (
	"context"
	"sync"
	"time"
)

// MockPlatform はテストおよびハードウェアなしのデモ用のPlatform実装
// デバイスの追加・削除でホットプラグを再現できる
type MockPlatform struct {
	mu         sync.Mutex
	devices    []Device
	sessions   []*MockSession
	started    bool
	startErr   error
	autoPeriod time.Duration
	width      int
	height     int
}

// NewMockPlatform は新しいMockPlatformを作成する
func NewMockPlatform(devices ...Device) *MockPlatform {
	return &MockPlatform{
		devices: append([]Device{}, devices...),
		width:   640,
		height:  480,
	}
}

// SetAutoComplete は新しく開くセッションが period ごとにテストパターンを自動で返すようにする
// 0 の場合は Complete / Fail を手動で呼ぶ
func (p *MockPlatform) SetAutoComplete(period time.Duration, width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoPeriod = period
	if width > 0 && height > 0 {
		p.width, p.height = width, height
	}
}

// FailStartup は次の Startup を失敗させる
func (p *MockPlatform) FailStartup(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// AddDevice はデバイスを追加する
func (p *MockPlatform) AddDevice(device Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, device)
}

// RemoveDevice はデバイスを削除する
// そのデバイスのセッションで保留中の読み取りはデバイス切断で失敗する
func (p *MockPlatform) RemoveDevice(symbolicLink string) {
	p.mu.Lock()
	filtered := p.devices[:0]
	for _, d := range p.devices {
		if d.SymbolicLink != symbolicLink {
			filtered = append(filtered, d)
		}
	}
	p.devices = filtered
	var affected []*MockSession
	for _, s := range p.sessions {
		if s.device.SymbolicLink == symbolicLink {
			affected = append(affected, s)
		}
	}
	p.mu.Unlock()

	for _, s := range affected {
		s.disconnect()
	}
}

// Started は Startup 済みで Shutdown されていないか返す
func (p *MockPlatform) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Sessions はこれまでに開かれたセッションを返す
func (p *MockPlatform) Sessions() []*MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockSession{}, p.sessions...)
}

// Session は指定デバイスで最後に開かれたセッションを返す
func (p *MockPlatform) Session(symbolicLink string) *MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sessions) - 1; i >= 0; i-- {
		if p.sessions[i].device.SymbolicLink == symbolicLink {
			return p.sessions[i]
		}
	}
	return nil
}

func (p *MockPlatform) Startup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		err := p.startErr
		p.startErr = nil
		return err
	}
	p.started = true
	return nil
}

func (p *MockPlatform) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *MockPlatform) Devices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Device{}, p.devices...), nil
}

func (p *MockPlatform) OpenSession(ctx context.Context, device Device) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := Lookup(p.devices, device.SymbolicLink); !ok {
		return nil, NewNativeError(CodeDeviceNotFound, "デバイスが存在しません: %s", device.SymbolicLink)
	}

	s := &MockSession{device: device}
	p.sessions = append(p.sessions, s)
	if p.autoPeriod > 0 {
		s.startAuto(p.autoPeriod, p.width, p.height)
	}
	return s, nil
}

// MockSession はMockPlatformのセッション
// 完了通知はネイティブ層と同じく呼び出し側とは別のゴルーチンから呼ぶこと
type MockSession struct {
	device Device

	mu      sync.Mutex
	pending SampleCallback
	closed  bool
	lost    bool
	reads   int
	buf     []byte // 生成側が使い回すバッファ

	// コールバック実行中の数。Close はこれを待つ
	inflight sync.WaitGroup

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Device はセッションのデバイスを返す
func (s *MockSession) Device() Device {
	return s.device
}

// Pending は読み取り要求が保留中か返す
func (s *MockSession) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Reads は受理した読み取り要求の数を返す
func (s *MockSession) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Closed は Close 済みか返す
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) ReadSample(complete SampleCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return NewNativeError(CodeUnexpected, "セッションはクローズ済みです")
	case s.lost:
		return NewNativeError(CodeDeviceLost, "デバイスが切断されました")
	case s.pending != nil:
		return NewNativeError(CodeUnexpected, "読み取り要求が既に保留中です")
	}
	s.pending = complete
	s.reads++
	return nil
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		s.wg.Wait()
	}
	s.inflight.Wait()
	return nil
}

// Complete は保留中の読み取りをテストパターンで完了させる
// 保留中の要求がなければ false を返す
// コールバックから戻った後、生成側のバッファは上書きされる
func (s *MockSession) Complete(width, height int, format PixelFormat) bool {
	s.mu.Lock()
	size := width * height * format.BytesPerPixel()
	if cap(s.buf) < size {
		s.buf = make([]byte, size)
	}
	buf := s.buf[:size]
	reads := s.reads
	s.mu.Unlock()

	fillPattern(buf, width, format.BytesPerPixel(), reads)
	ok := s.CompleteSample(&Sample{Data: buf, Width: width, Height: height, Format: format})

	// コールバック後はネイティブ層がバッファを再利用する
	for i := range buf {
		buf[i] = 0xEE
	}
	return ok
}

// CompleteSample は保留中の読み取りを任意のサンプルで完了させる
func (s *MockSession) CompleteSample(sample *Sample) bool {
	complete := s.take()
	if complete == nil {
		return false
	}
	defer s.inflight.Done()
	complete(sample, nil)
	return true
}

// Fail は保留中の読み取りをネイティブエラーで失敗させる
func (s *MockSession) Fail(code uint32, message string) bool {
	complete := s.take()
	if complete == nil {
		return false
	}
	defer s.inflight.Done()
	complete(nil, NewNativeError(code, "%s", message))
	return true
}

// take は保留中のコールバックを取り出す
func (s *MockSession) take() SampleCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	complete := s.pending
	s.pending = nil
	if complete != nil {
		s.inflight.Add(1)
	}
	return complete
}

// disconnect はデバイスの切断を再現する
func (s *MockSession) disconnect() {
	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
	s.Fail(CodeDeviceLost, "デバイスが切断されました")
}

// startAuto は一定間隔で保留中の読み取りを完了させるゴルーチンを起動する
func (s *MockSession) startAuto(period time.Duration, width, height int) {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Complete(width, height, PixelFormatBGRA)
			}
		}
	}()
}

// fillPattern はフレームごとに位置が動くグラデーションを書き込む
func fillPattern(buf []byte, width, bpp, frame int) {
	if width <= 0 || bpp <= 0 {
		return
	}
	rowBytes := width * bpp
	for i := 0; i < len(buf); i += bpp {
		x := (i % rowBytes) / bpp
		y := i / rowBytes
		v := byte(x + y + frame*4)
		for c := 0; c < bpp; c++ {
			buf[i+c] = v + byte(c*64)
		}
		if bpp == 4 {
			buf[i+3] = 0xFF
		}
	}
}
