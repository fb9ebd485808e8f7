package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder はReaderのコールバックを記録する
type recorder struct {
	mu       sync.Mutex
	frames   []*FrameBuffer
	failures []error
}

func (r *recorder) onSuccess(f *FrameBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) onFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.failures)
}

func (r *recorder) lastFailure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return nil
	}
	return r.failures[len(r.failures)-1]
}

// openReader はモックのデバイスにReaderをオープンする
func openReader(t *testing.T, manager *Manager, rec *recorder, retry RetryPolicy) *Reader {
	t.Helper()
	reader := NewReader(manager, ReaderOptions{
		OnSuccess: rec.onSuccess,
		OnFailure: rec.onFailure,
		Retry:     &retry,
		Logger:    discardLogger(),
	})
	if err := reader.Open(context.Background(), testCam0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return reader
}

func noRetry(max int) RetryPolicy {
	return RetryPolicy{AutoRetry: false, MaxRetries: max}
}

func TestReader_ReadFrame(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if reader.State() != StateIdle {
		t.Fatalf("Expected state %s, got %s", StateIdle, reader.State())
	}
	if !reader.Device().Equal(testCam0) {
		t.Errorf("Expected device %s, got %s", testCam0, reader.Device())
	}

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	if reader.State() != StateReadPending {
		t.Fatalf("Expected state %s, got %s", StateReadPending, reader.State())
	}

	session := platform.Session(testCam0.SymbolicLink)
	if !session.Complete(640, 480, PixelFormatBGRA) {
		t.Fatal("Expected pending read to complete")
	}

	frames, failures := rec.counts()
	if frames != 1 || failures != 0 {
		t.Fatalf("Expected 1 frame and 0 failures, got %d and %d", frames, failures)
	}

	frame := rec.frames[0]
	if frame.Width != 640 || frame.Height != 480 || frame.BytesPerPixel != 4 {
		t.Errorf("Unexpected frame geometry: %dx%d bpp=%d", frame.Width, frame.Height, frame.BytesPerPixel)
	}
	if frame.Len() != 640*480*4 {
		t.Errorf("Expected %d bytes, got %d", 640*480*4, frame.Len())
	}
	if frame.Seq != 1 || frame.TraceID == "" {
		t.Errorf("Expected seq 1 and trace id, got seq=%d trace=%q", frame.Seq, frame.TraceID)
	}

	// コールバック後に生成側のバッファが上書きされても、配送済みのフレームは変わらない
	expected := make([]byte, frame.Len())
	fillPattern(expected, 640, 4, 1)
	for i := range expected {
		if frame.Data[i] != expected[i] {
			t.Fatalf("Frame data changed at byte %d: got 0x%02X, want 0x%02X", i, frame.Data[i], expected[i])
		}
	}

	if reader.State() != StateIdle {
		t.Errorf("Expected state %s after delivery, got %s", StateIdle, reader.State())
	}
	if stats := reader.Stats(); stats.FramesDelivered != 1 || stats.LastFrameAt.IsZero() {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestReader_ConsumerRearm(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	defer func() { _ = manager.Stop() }()

	var reader *Reader
	var delivered atomic.Int32
	reader = NewReader(manager, ReaderOptions{
		OnSuccess: func(*FrameBuffer) {
			if delivered.Add(1) < 3 {
				if err := reader.ReadSample(); err != nil {
					t.Errorf("ReadSample from callback failed: %v", err)
				}
			}
		},
		Logger: discardLogger(),
	})
	if err := reader.Open(context.Background(), testCam0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = reader.Close() }()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	session := platform.Session(testCam0.SymbolicLink)
	for i := 0; i < 3; i++ {
		if !session.Complete(4, 4, PixelFormatBGRA) {
			t.Fatalf("Completion %d had no pending read", i)
		}
	}
	if got := delivered.Load(); got != 3 {
		t.Fatalf("Expected 3 frames, got %d", got)
	}
	if session.Pending() {
		t.Error("No read should be pending after the consumer stopped re-arming")
	}
}

func TestReader_InvalidState(t *testing.T) {
	manager, _ := newRunningManager(t, testCam0)
	defer func() { _ = manager.Stop() }()

	rec := &recorder{}
	reader := NewReader(manager, ReaderOptions{OnSuccess: rec.onSuccess, OnFailure: rec.onFailure, Logger: discardLogger()})

	// オープン前の読み取り
	var invalid *InvalidStateError
	if err := reader.ReadSample(); !errors.As(err, &invalid) || invalid.State != StateClosed {
		t.Fatalf("Expected InvalidStateError in closed state, got %v", err)
	}

	if err := reader.Open(context.Background(), testCam0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = reader.Close() }()

	// 二重オープン
	if err := reader.Open(context.Background(), testCam0); !IsInvalidState(err) {
		t.Fatalf("Expected InvalidStateError on second Open, got %v", err)
	}

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}

	// 保留中の二重読み取り
	if err := reader.ReadSample(); !IsInvalidState(err) {
		t.Fatalf("Expected InvalidStateError on second ReadSample, got %v", err)
	}
	if reader.State() != StateReadPending {
		t.Errorf("State should be unchanged, got %s", reader.State())
	}
}

func TestReader_OpenErrors(t *testing.T) {
	t.Run("マネージャー未開始", func(t *testing.T) {
		manager := NewManager(NewMockPlatform(testCam0), discardLogger())
		reader := NewReader(manager, ReaderOptions{Logger: discardLogger()})

		if err := reader.Open(context.Background(), testCam0); !IsLifecycle(err) {
			t.Fatalf("Expected LifecycleError, got %v", err)
		}
		if reader.State() != StateClosed {
			t.Errorf("Expected state %s, got %s", StateClosed, reader.State())
		}
	})

	t.Run("デバイスが存在しない", func(t *testing.T) {
		manager, _ := newRunningManager(t, testCam0)
		defer func() { _ = manager.Stop() }()

		reader := NewReader(manager, ReaderOptions{Logger: discardLogger()})
		err := reader.Open(context.Background(), testCam1)
		var unavailable *DeviceUnavailableError
		if !errors.As(err, &unavailable) {
			t.Fatalf("Expected DeviceUnavailableError, got %v", err)
		}
		if !unavailable.Device.Equal(testCam1) {
			t.Errorf("Expected device %s, got %s", testCam1, unavailable.Device)
		}
		if manager.OpenReaders() != 0 {
			t.Errorf("Failed open should not be tracked, got %d readers", manager.OpenReaders())
		}
	})
}

func TestReader_TransientFailure(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	session := platform.Session(testCam0.SymbolicLink)
	session.Fail(CodeFrameDropped, "frame dropped")

	var transient *TransientReadError
	if err := rec.lastFailure(); !errors.As(err, &transient) {
		t.Fatalf("Expected TransientReadError, got %v", err)
	}
	if transient.Code != CodeFrameDropped || transient.Attempt != 1 || transient.Retrying {
		t.Errorf("Unexpected transient error: %+v", transient)
	}
	if reader.State() != StateIdle {
		t.Fatalf("Expected state %s, got %s", StateIdle, reader.State())
	}

	// 一時的な失敗の後は再度読み取れる
	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample after transient failure failed: %v", err)
	}
	session.Complete(8, 8, PixelFormatBGRA)
	if frames, _ := rec.counts(); frames != 1 {
		t.Errorf("Expected 1 frame, got %d", frames)
	}
}

func TestReader_FatalFailure(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	platform.Session(testCam0.SymbolicLink).Fail(CodeDeviceLost, "device lost")

	err := rec.lastFailure()
	if !IsFatal(err) {
		t.Fatalf("Expected FatalReadError, got %v", err)
	}
	if code, ok := StatusCode(err); !ok || code != CodeDeviceLost {
		t.Errorf("Expected code 0x%08X, got 0x%08X", CodeDeviceLost, code)
	}
	if !IsDeviceLoss(err) {
		t.Error("Expected error to be classified as device loss")
	}
	if reader.State() != StateFaulted {
		t.Fatalf("Expected state %s, got %s", StateFaulted, reader.State())
	}
	if !reader.IsOpen() {
		t.Error("Faulted reader still holds its session until closed")
	}

	if err := reader.ReadSample(); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError from faulted reader, got %v", err)
	}
}

func TestReader_RetryLimitEscalates(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(2))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	session := platform.Session(testCam0.SymbolicLink)
	for attempt := 1; attempt <= 3; attempt++ {
		if err := reader.ReadSample(); err != nil {
			t.Fatalf("ReadSample %d failed: %v", attempt, err)
		}
		session.Fail(CodeFrameDropped, "frame dropped")

		err := rec.lastFailure()
		if attempt <= 2 {
			var transient *TransientReadError
			if !errors.As(err, &transient) || transient.Attempt != attempt {
				t.Fatalf("Attempt %d: expected TransientReadError, got %v", attempt, err)
			}
			continue
		}
		if !IsFatal(err) {
			t.Fatalf("Attempt %d: expected FatalReadError, got %v", attempt, err)
		}
	}

	if reader.State() != StateFaulted {
		t.Errorf("Expected state %s, got %s", StateFaulted, reader.State())
	}
	if stats := reader.Stats(); stats.Failures != 3 {
		t.Errorf("Expected 3 failures, got %d", stats.Failures)
	}
}

func TestReader_SuccessResetsFailureCount(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(1))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	session := platform.Session(testCam0.SymbolicLink)
	for i := 0; i < 3; i++ {
		if err := reader.ReadSample(); err != nil {
			t.Fatalf("ReadSample failed: %v", err)
		}
		session.Fail(CodeFrameDropped, "frame dropped")
		if !IsTransient(rec.lastFailure()) {
			t.Fatalf("Round %d: expected TransientReadError, got %v", i, rec.lastFailure())
		}

		if err := reader.ReadSample(); err != nil {
			t.Fatalf("ReadSample failed: %v", err)
		}
		session.Complete(2, 2, PixelFormatBGRA)
	}
	if reader.State() != StateIdle {
		t.Errorf("Expected state %s, got %s", StateIdle, reader.State())
	}
}

func TestReader_AutoRetry(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, RetryPolicy{
		AutoRetry:  true,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	session := platform.Session(testCam0.SymbolicLink)
	session.Fail(CodeFrameDropped, "frame dropped")

	var transient *TransientReadError
	if err := rec.lastFailure(); !errors.As(err, &transient) || !transient.Retrying {
		t.Fatalf("Expected retrying TransientReadError, got %v", err)
	}

	// Reader が自分で読み取りを再発行する
	waitFor(t, "automatic retry", session.Pending)
	if stats := reader.Stats(); stats.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", stats.Retries)
	}

	session.Complete(4, 4, PixelFormatBGRA)
	if frames, _ := rec.counts(); frames != 1 {
		t.Errorf("Expected 1 frame, got %d", frames)
	}
}

func TestReader_CloseCancelsRetry(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, RetryPolicy{
		AutoRetry:  true,
		MaxRetries: 3,
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	})
	defer func() { _ = manager.Stop() }()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	session := platform.Session(testCam0.SymbolicLink)
	session.Fail(CodeFrameDropped, "frame dropped")

	if err := reader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if reads := session.Reads(); reads != 1 {
		t.Errorf("Retry should not run after Close, got %d reads", reads)
	}
}

func TestReader_ZeroPolicyNeverRetries(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, RetryPolicy{})
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	session := platform.Session(testCam0.SymbolicLink)
	for i := 1; i <= 10; i++ {
		if err := reader.ReadSample(); err != nil {
			t.Fatalf("ReadSample %d failed: %v", i, err)
		}
		session.Fail(CodeFrameDropped, "frame dropped")

		var transient *TransientReadError
		if err := rec.lastFailure(); !errors.As(err, &transient) || transient.Retrying || transient.Attempt != i {
			t.Fatalf("Expected non-retrying TransientReadError attempt %d, got %v", i, err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if reads := session.Reads(); reads != 10 {
		t.Errorf("Reader should not issue reads on its own, got %d reads", reads)
	}
	if reader.State() != StateIdle {
		t.Errorf("Expected state %s, got %s", StateIdle, reader.State())
	}
	if stats := reader.Stats(); stats.Retries != 0 {
		t.Errorf("Expected no retries, got %d", stats.Retries)
	}
}

func TestReader_NilPolicyUsesDefault(t *testing.T) {
	manager, _ := newRunningManager(t, testCam0)
	defer func() { _ = manager.Stop() }()

	reader := NewReader(manager, ReaderOptions{Logger: discardLogger()})
	if reader.retry != DefaultRetryPolicy() {
		t.Errorf("Expected default policy, got %+v", reader.retry)
	}
}

func TestReader_ConsumerReadCancelsRetry(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, RetryPolicy{
		AutoRetry:  true,
		MaxRetries: 3,
		BaseDelay:  30 * time.Millisecond,
		MaxDelay:   30 * time.Millisecond,
	})
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	session := platform.Session(testCam0.SymbolicLink)
	session.Fail(CodeFrameDropped, "frame dropped")

	// 自動再試行の前に利用側が自分で再要求する
	if err := reader.ReadSample(); err != nil {
		t.Fatalf("Consumer ReadSample failed: %v", err)
	}
	session.Complete(2, 2, PixelFormatBGRA)

	time.Sleep(80 * time.Millisecond)
	if reads := session.Reads(); reads != 2 {
		t.Errorf("Scheduled retry should be cancelled, got %d reads", reads)
	}
	if reader.State() != StateIdle {
		t.Errorf("Expected state %s, got %s", StateIdle, reader.State())
	}
	if err := reader.ReadSample(); err != nil {
		t.Errorf("Consumer re-arm should succeed, got %v", err)
	}
}

func TestReader_InvalidSampleIsTransient(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	platform.Session(testCam0.SymbolicLink).CompleteSample(&Sample{
		Data:   make([]byte, 10),
		Width:  640,
		Height: 480,
		Format: PixelFormatBGRA,
	})

	err := rec.lastFailure()
	if !IsTransient(err) {
		t.Fatalf("Expected TransientReadError, got %v", err)
	}
	if code, _ := StatusCode(err); code != CodeInvalidSample {
		t.Errorf("Expected code 0x%08X, got 0x%08X", CodeInvalidSample, code)
	}
}

func TestReader_DeviceRemovedWhilePending(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	platform.RemoveDevice(testCam0.SymbolicLink)

	if err := rec.lastFailure(); !IsFatal(err) {
		t.Fatalf("Expected FatalReadError, got %v", err)
	}
	if reader.State() != StateFaulted {
		t.Errorf("Expected state %s, got %s", StateFaulted, reader.State())
	}
}

func TestReader_DeviceLostWhileIdle(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))
	defer func() {
		_ = reader.Close()
		_ = manager.Stop()
	}()

	ctx := context.Background()
	manager.scanOnce(ctx)
	platform.RemoveDevice(testCam0.SymbolicLink)
	manager.scanOnce(ctx)

	err := reader.ReadSample()
	var unavailable *DeviceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected DeviceUnavailableError, got %v", err)
	}
	if code, _ := StatusCode(err); code != CodeDeviceLost {
		t.Errorf("Expected code 0x%08X, got 0x%08X", CodeDeviceLost, code)
	}
	if reader.State() != StateFaulted {
		t.Errorf("Expected state %s, got %s", StateFaulted, reader.State())
	}

	// 切断の報告は一度だけで、以降は Faulted として扱う
	err = reader.ReadSample()
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) || invalid.State != StateFaulted {
		t.Errorf("Expected InvalidStateError in state %s, got %v", StateFaulted, err)
	}
}

func TestReader_CloseWhilePending(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	defer func() { _ = manager.Stop() }()

	rec := &recorder{}
	reader := openReader(t, manager, rec, noRetry(5))

	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	session := platform.Session(testCam0.SymbolicLink)
	if !session.Closed() {
		t.Error("Expected native session to be closed")
	}
	if session.Complete(4, 4, PixelFormatBGRA) {
		t.Error("Completion after Close should find no pending read")
	}
	if frames, failures := rec.counts(); frames != 0 || failures != 0 {
		t.Errorf("No callback expected after Close, got %d frames and %d failures", frames, failures)
	}

	if reader.State() != StateClosed || reader.IsOpen() {
		t.Errorf("Expected closed reader, got %s", reader.State())
	}

	// Close は何度呼んでもよい
	if err := reader.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	// 一度クローズしたReaderは再オープンできない
	if err := reader.Open(context.Background(), testCam0); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError on reopen, got %v", err)
	}
	if err := reader.ReadSample(); !IsInvalidState(err) {
		t.Errorf("Expected InvalidStateError after Close, got %v", err)
	}
}

func TestReader_CloseWaitsForCallback(t *testing.T) {
	manager, platform := newRunningManager(t, testCam0)
	defer func() { _ = manager.Stop() }()

	started := make(chan struct{})
	release := make(chan struct{})
	reader := NewReader(manager, ReaderOptions{
		OnSuccess: func(*FrameBuffer) {
			close(started)
			<-release
		},
		Logger: discardLogger(),
	})
	if err := reader.Open(context.Background(), testCam0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := reader.ReadSample(); err != nil {
		t.Fatalf("ReadSample failed: %v", err)
	}

	session := platform.Session(testCam0.SymbolicLink)
	go session.Complete(4, 4, PixelFormatBGRA)
	<-started

	closed := make(chan struct{})
	go func() {
		_ = reader.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a callback was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the callback finished")
	}
}

func TestReader_ConcurrentClose(t *testing.T) {
	platform := NewMockPlatform(testCam0, testCam1)
	platform.SetAutoComplete(time.Millisecond, 16, 16)
	manager := NewManager(platform, discardLogger())
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		device := testCam0
		if i%2 == 1 {
			device = testCam1
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			var closed atomic.Bool
			var delivered atomic.Int32
			var reader *Reader
			reader = NewReader(manager, ReaderOptions{
				OnSuccess: func(*FrameBuffer) {
					if closed.Load() {
						t.Error("OnSuccess called after Close returned")
					}
					delivered.Add(1)
					_ = reader.ReadSample()
				},
				OnFailure: func(err error) {
					if closed.Load() {
						t.Error("OnFailure called after Close returned")
					}
				},
				Logger: discardLogger(),
			})
			if err := reader.Open(context.Background(), device); err != nil {
				t.Errorf("Open failed: %v", err)
				return
			}
			if err := reader.ReadSample(); err != nil {
				t.Errorf("ReadSample failed: %v", err)
			}

			deadline := time.Now().Add(2 * time.Second)
			for delivered.Load() < 3 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}

			// 配送と並行して Close を複数回呼ぶ
			var closers sync.WaitGroup
			for j := 0; j < 3; j++ {
				closers.Add(1)
				go func() {
					defer closers.Done()
					_ = reader.Close()
				}()
			}
			closers.Wait()
			closed.Store(true)
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	if n := manager.OpenReaders(); n != 0 {
		t.Fatalf("Expected 0 open readers, got %d", n)
	}
	if err := manager.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
