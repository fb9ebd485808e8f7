package camera

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ReaderOptions はReaderの作成時に渡す設定
type ReaderOptions struct {
	// OnSuccess はフレームの複製が完了した後に呼ばれる。Reader は Idle に戻っている
	OnSuccess func(frame *FrameBuffer)
	// OnFailure は読み取りが失敗した後に呼ばれる
	// err は *TransientReadError か *FatalReadError
	OnFailure func(err error)

	// Retry が nil の場合は DefaultRetryPolicy を使う
	// ゼロ値の RetryPolicy は自動再試行なし・上限なしを意味する
	Retry      *RetryPolicy
	Classifier Classifier
	Logger     *slog.Logger
}

// Reader は1台のデバイスからフレームを非同期に読み取る
//
// 状態遷移:
//
//	Closed --Open--> Idle --ReadSample--> ReadPending --成功/一時的失敗--> Idle
//	ReadPending --致命的失敗--> Faulted
//	(任意) --Close--> Closed (終端。再オープン不可)
//
// 同時に発行できる読み取りは1つだけ。
// OnSuccess / OnFailure はネイティブ層のゴルーチンから呼ばれるため、その中で Close を呼んではいけない。
type Reader struct {
	manager    *Manager
	onSuccess  func(*FrameBuffer)
	onFailure  func(error)
	retry      RetryPolicy
	classifier Classifier
	logger     *slog.Logger

	mu       sync.Mutex
	state    ReaderState
	used     bool // Open または Close が一度でも呼ばれた
	device   Device
	session  Session
	gen      uint64 // Close ごとに進み、古い完了通知を識別する
	seq      uint64
	failures int // 連続失敗回数
	lost     bool
	timer    *time.Timer
	stats    ReaderStats
	closed   chan struct{} // 最初の Close が完了すると閉じる

	// 実行中のユーザーコールバック
	delivering sync.WaitGroup
}

// NewReader は新しいReaderを作成する
func NewReader(manager *Manager, opts ReaderOptions) *Reader {
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reader{
		manager:    manager,
		onSuccess:  opts.OnSuccess,
		onFailure:  opts.OnFailure,
		retry:      retry,
		classifier: opts.Classifier,
		logger:     opts.Logger.With("component", "camera.reader"),
		state:      StateClosed,
	}
}

// Open はデバイスにバインドしてネイティブセッションを取得する
// 作成直後の Closed 状態からのみ呼べる
func (r *Reader) Open(ctx context.Context, device Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.used {
		return &InvalidStateError{Op: "open", State: r.state}
	}

	if err := r.manager.register(r); err != nil {
		return err
	}

	session, err := r.manager.platform.OpenSession(ctx, device)
	if err != nil {
		r.manager.unregister(r)
		code, _ := nativeCode(err)
		if code == CodeDeviceNotFound || code == CodeDeviceLost {
			return &DeviceUnavailableError{Device: device, Err: err}
		}
		return &SessionError{Op: "open", Device: device, Code: code, Err: err}
	}

	r.used = true
	r.device = device
	r.session = session
	r.state = StateIdle
	r.logger = r.logger.With("device", device.SymbolicLink)
	r.logger.Info("Readerをオープンしました", "name", device.Name)
	return nil
}

// ReadSample は1フレームの非同期読み取りを要求する
// Idle 状態からのみ呼べる。ネイティブ層が要求を受理したら即座に戻る
func (r *Reader) ReadSample() error {
	return r.readSample("read_sample")
}

func (r *Reader) readSample(op string) error {
	r.mu.Lock()
	// 切断を報告するのは Idle から Faulted に移る最初の呼び出しだけ
	if r.lost && r.state == StateIdle {
		r.state = StateFaulted
		device := r.device
		r.mu.Unlock()
		return &DeviceUnavailableError{Device: device, Err: NewNativeError(CodeDeviceLost, "デバイスが切断されました")}
	}
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return &InvalidStateError{Op: op, State: state}
	}
	r.state = StateReadPending
	if r.timer != nil {
		// 予約済みの自動再試行は不要になる
		r.timer.Stop()
		r.timer = nil
	}
	gen := r.gen
	session := r.session
	r.mu.Unlock()

	err := session.ReadSample(func(sample *Sample, err error) {
		r.complete(gen, sample, err)
	})
	if err == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return &InvalidStateError{Op: op, State: r.state}
	}
	code, _ := nativeCode(err)
	if code == CodeDeviceLost || code == CodeDeviceNotFound {
		r.state = StateFaulted
		return &DeviceUnavailableError{Device: r.device, Err: err}
	}
	if r.state == StateReadPending {
		r.state = StateIdle
	}
	return &SessionError{Op: op, Device: r.device, Code: code, Err: err}
}

// complete はネイティブ層からの完了通知を処理する
func (r *Reader) complete(gen uint64, sample *Sample, nativeErr error) {
	r.mu.Lock()
	if r.gen != gen || r.state != StateReadPending {
		r.stats.Dropped++
		r.mu.Unlock()
		return
	}

	if nativeErr == nil {
		// サンプルはコールバック中しか有効でないため、ここで複製する
		r.seq++
		frame, err := newFrameBuffer(sample, r.seq)
		if err == nil {
			r.state = StateIdle
			r.failures = 0
			r.stats.FramesDelivered++
			r.stats.LastFrameAt = frame.Timestamp
			r.delivering.Add(1)
			r.mu.Unlock()

			defer r.delivering.Done()
			if r.onSuccess != nil {
				r.onSuccess(frame)
			}
			return
		}
		nativeErr = err
	}

	failure := r.fail(nativeErr)
	r.delivering.Add(1)
	r.mu.Unlock()

	defer r.delivering.Done()
	if r.onFailure != nil {
		r.onFailure(failure)
	}
}

// fail は失敗を分類して状態を更新する。r.mu を保持して呼ぶこと
func (r *Reader) fail(nativeErr error) error {
	code, msg := nativeCode(nativeErr)
	r.failures++
	r.stats.Failures++

	if r.classifier(code) || r.retry.exhausted(r.failures) {
		r.state = StateFaulted
		r.logger.Error("読み取りが致命的に失敗しました", "code", code, "failures", r.failures, "error", nativeErr)
		return &FatalReadError{Code: code, Message: msg, Err: nativeErr}
	}

	r.state = StateIdle
	transient := &TransientReadError{Code: code, Message: msg, Attempt: r.failures}
	if r.retry.AutoRetry {
		transient.Retrying = true
		delay := r.retry.Backoff(r.failures)
		gen := r.gen
		r.timer = time.AfterFunc(delay, func() { r.retryRead(gen) })
	}
	r.logger.Warn("読み取りに失敗しました", "code", code, "attempt", r.failures, "retrying", transient.Retrying)
	return transient
}

// retryRead はバックオフ後に読み取りを再発行する
func (r *Reader) retryRead(gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.state != StateIdle {
		// クローズ済み、または利用側が既に再要求した
		r.mu.Unlock()
		return
	}
	r.stats.Retries++
	r.mu.Unlock()

	err := r.readSample("retry")
	if err == nil || IsInvalidState(err) {
		return
	}

	// 再発行自体が拒否された場合は誰も再要求しないので Faulted にして通知する
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.state = StateFaulted
	code, _ := StatusCode(err)
	failure := &FatalReadError{Code: code, Message: "読み取りの再発行に失敗しました", Err: err}
	r.delivering.Add(1)
	r.mu.Unlock()

	defer r.delivering.Done()
	if r.onFailure != nil {
		r.onFailure(failure)
	}
}

// Close はネイティブセッションを解放する
// 何度呼んでもよい。戻った後、このReaderのコールバックは呼ばれず、実行中のものも残らない
func (r *Reader) Close() error {
	r.mu.Lock()
	r.used = true
	if r.closed != nil {
		// 先行する Close の完了を待つ
		done := r.closed
		r.mu.Unlock()
		<-done
		return nil
	}
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.closed = done
	r.state = StateClosed
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	session := r.session
	r.session = nil
	device := r.device
	r.mu.Unlock()

	var closeErr error
	if err := session.Close(); err != nil {
		code, _ := nativeCode(err)
		closeErr = &SessionError{Op: "close", Device: device, Code: code, Err: err}
	}
	r.manager.unregister(r)

	// 既に配送中のコールバックを待つ
	r.delivering.Wait()
	close(done)

	r.logger.Info("Readerをクローズしました")
	return closeErr
}

// Device はバインドされているデバイスを返す
func (r *Reader) Device() Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

// State は現在の状態を返す
func (r *Reader) State() ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsOpen はネイティブセッションを保持しているか判定する
func (r *Reader) IsOpen() bool {
	return r.State().IsOpen()
}

// Stats は配送統計のスナップショットを返す
func (r *Reader) Stats() ReaderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// markDeviceLost はデバイスの切断をReaderに伝える
// 次の ReadSample は DeviceUnavailableError で失敗する
func (r *Reader) markDeviceLost(device Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.IsOpen() || !r.device.Equal(device) {
		return
	}
	if !r.lost {
		r.logger.Warn("デバイスの切断を検出しました")
	}
	r.lost = true
}

// IsDeviceLoss はエラーがデバイスの喪失によるものか判定する
func IsDeviceLoss(err error) bool {
	var unavailable *DeviceUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	code, ok := StatusCode(err)
	return ok && (code == CodeDeviceLost || code == CodeDeviceNotFound)
}
