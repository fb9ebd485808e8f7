package camera

import (
	"fmt"
	"time"
)

// Device は列挙可能なキャプチャデバイス1台を表す
// 値は不変で、同一性は SymbolicLink で判定する
type Device struct {
	Name         string `json:"name"`          // 表示名
	SymbolicLink string `json:"symbolic_link"` // デバイスの安定した識別子（表示用ではない）
}

// Equal は2つのデバイスが同じ物理デバイスを指すか判定する
func (d Device) Equal(other Device) bool {
	return d.SymbolicLink == other.SymbolicLink
}

// String はログ用の文字列表現を返す
func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.SymbolicLink)
}

// ReaderState はReaderの状態を表す
type ReaderState string

const (
	StateClosed      ReaderState = "closed"       // 未オープン、またはクローズ済み
	StateIdle        ReaderState = "idle"         // オープン済みで読み取り要求なし
	StateReadPending ReaderState = "read_pending" // 読み取り要求の完了待ち
	StateFaulted     ReaderState = "faulted"      // 回復不能なエラーが発生
)

// IsOpen はネイティブセッションを保持している状態か判定する
func (s ReaderState) IsOpen() bool {
	return s == StateIdle || s == StateReadPending || s == StateFaulted
}

// Phase はManagerのフェーズを表す
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseRunning       Phase = "running"
)

// PixelFormat はフレームのピクセル形式を表す
type PixelFormat string

const (
	// PixelFormatBGRA は1ピクセル4バイトのB,G,R,A(X)順
	PixelFormatBGRA PixelFormat = "bgra"
	// PixelFormatRGBA は1ピクセル4バイトのR,G,B,A順
	PixelFormatRGBA PixelFormat = "rgba"
	// PixelFormatGray は1ピクセル1バイトの輝度
	PixelFormatGray PixelFormat = "gray"
)

// BytesPerPixel はピクセル形式ごとのバイト数を返す
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatBGRA, PixelFormatRGBA:
		return 4
	case PixelFormatGray:
		return 1
	default:
		return 0
	}
}

// DeviceChangeKind はデバイス変化の種類
type DeviceChangeKind string

const (
	DeviceAdded   DeviceChangeKind = "added"
	DeviceRemoved DeviceChangeKind = "removed"
)

// DeviceChange はバックグラウンドスキャンで検出されたデバイスの変化
type DeviceChange struct {
	Kind   DeviceChangeKind
	Device Device
	At     time.Time
}

// ReaderStats はReaderの配送統計
type ReaderStats struct {
	FramesDelivered uint64    `json:"frames_delivered"`
	Failures        uint64    `json:"failures"`
	Retries         uint64    `json:"retries"`
	Dropped         uint64    `json:"dropped"` // クローズ後に到着し破棄された完了通知
	LastFrameAt     time.Time `json:"last_frame_at"`
}
