package camera

import (
	"errors"
	"fmt"
)

// ネイティブ層のステータスコード
const (
	CodeUnexpected     uint32 = 0x8000FFFF // 想定外のエラー
	CodeDeviceLost     uint32 = 0xA0000009 // デバイスが切断された
	CodeDeviceNotFound uint32 = 0xA000000A // 指定デバイスが存在しない
	CodeFrameDropped   uint32 = 0xA0000010 // フレームの取りこぼし
	CodeStreamEnded    uint32 = 0xA0000011 // ストリームが終了した
	CodeInvalidSample  uint32 = 0xA0000012 // サンプルの形式が不正
)

// NativeError はネイティブ層から返されるステータスコード付きエラー
type NativeError struct {
	Code    uint32
	Message string
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("%s (0x%08X)", e.Message, e.Code)
}

// NewNativeError は新しいNativeErrorを作成する
func NewNativeError(code uint32, format string, args ...any) *NativeError {
	return &NativeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LifecycleError はManagerのフェーズ外での操作、または二重の開始・停止を表す
type LifecycleError struct {
	Op    string
	Phase Phase
	Msg   string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %s (phase=%s)", e.Op, e.Msg, e.Phase)
}

// DeviceUnavailableError はデバイスがオープン前またはオープン中に消えたことを表す
type DeviceUnavailableError struct {
	Device Device
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("デバイスが利用できません: %s", e.Device)
	}
	return fmt.Sprintf("デバイスが利用できません: %s: %v", e.Device, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// SessionError はネイティブセッションの失敗を表す
type SessionError struct {
	Op     string
	Device Device
	Code   uint32
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s に失敗 (%s, 0x%08X): %v", e.Op, e.Device.SymbolicLink, e.Code, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// InvalidStateError は現在のReader状態で許可されない呼び出しを表す
// プログラミングエラーであり、内部で再試行されることはない
type InvalidStateError struct {
	Op    string
	State ReaderState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s は状態 %s では実行できません", e.Op, e.State)
}

// TransientReadError は1フレームの読み取り失敗を表す（ストリームは継続可能）
type TransientReadError struct {
	Code     uint32
	Message  string
	Attempt  int  // 連続失敗回数
	Retrying bool // Reader が自動で再要求する場合 true
}

func (e *TransientReadError) Error() string {
	return fmt.Sprintf("フレーム読み取りに失敗 (0x%08X, attempt=%d): %s", e.Code, e.Attempt, e.Message)
}

// FatalReadError は持続的な読み取り失敗を表す
// Reader は Faulted となり、呼び出し側がクローズする必要がある
type FatalReadError struct {
	Code    uint32
	Message string
	Err     error
}

func (e *FatalReadError) Error() string {
	return fmt.Sprintf("致命的な読み取りエラー (0x%08X): %s", e.Code, e.Message)
}

func (e *FatalReadError) Unwrap() error { return e.Err }

// StatusCode はエラーチェーンからネイティブステータスコードを取り出す
func StatusCode(err error) (uint32, bool) {
	var native *NativeError
	if errors.As(err, &native) {
		return native.Code, true
	}
	var session *SessionError
	if errors.As(err, &session) {
		return session.Code, true
	}
	var transient *TransientReadError
	if errors.As(err, &transient) {
		return transient.Code, true
	}
	var fatal *FatalReadError
	if errors.As(err, &fatal) {
		return fatal.Code, true
	}
	return 0, false
}

// IsTransient は err が一時的な読み取りエラーか判定する
func IsTransient(err error) bool {
	var transient *TransientReadError
	return errors.As(err, &transient)
}

// IsFatal は err が致命的な読み取りエラーか判定する
func IsFatal(err error) bool {
	var fatal *FatalReadError
	return errors.As(err, &fatal)
}

// IsInvalidState は err が状態違反か判定する
func IsInvalidState(err error) bool {
	var invalid *InvalidStateError
	return errors.As(err, &invalid)
}

// IsLifecycle は err がライフサイクル違反か判定する
func IsLifecycle(err error) bool {
	var lifecycle *LifecycleError
	return errors.As(err, &lifecycle)
}

// Classifier はネイティブの読み取り失敗が致命的かどうかを判定する
type Classifier func(code uint32) (fatal bool)

// DefaultClassifier はデバイス切断とストリーム終了を致命的、それ以外を一時的とみなす
func DefaultClassifier(code uint32) bool {
	switch code {
	case CodeDeviceLost, CodeDeviceNotFound, CodeStreamEnded:
		return true
	default:
		return false
	}
}

// nativeCode は err からコードとメッセージを取り出す
func nativeCode(err error) (uint32, string) {
	var native *NativeError
	if errors.As(err, &native) {
		return native.Code, native.Message
	}
	return CodeUnexpected, err.Error()
}
