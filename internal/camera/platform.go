package camera

import "context"

// Platform はOSやドライバが提供するネイティブキャプチャ層を抽象化する
//
// Startup / Shutdown はプロセス全体で1回ずつ、Manager から呼ばれる。
type Platform interface {
	// Startup はネイティブキャプチャサブシステムを初期化する
	Startup() error

	// Shutdown はネイティブキャプチャサブシステムを終了する
	Shutdown() error

	// Devices は現在接続されているデバイスの一覧を返す
	Devices(ctx context.Context) ([]Device, error)

	// OpenSession は指定デバイスのネイティブセッションを取得する
	// デバイスが存在しない場合は CodeDeviceNotFound の NativeError を返す
	OpenSession(ctx context.Context, device Device) (Session, error)
}

// Session は1台のデバイスに対するネイティブセッション
//
// 実装は以下を保証しなければならない:
//   - ReadSample がエラーを返した場合、complete は呼ばれない
//   - ReadSample が成功した場合、complete は Close までに高々1回呼ばれる
//   - Close が戻った後、complete は呼ばれない
//   - Close 後の ReadSample はエラーを返す
type Session interface {
	// ReadSample は1サンプルの非同期読み取りを要求し、受理されたら即座に戻る
	ReadSample(complete SampleCallback) error

	// Close はセッションを解放する
	Close() error
}

// Sample はネイティブ層が保持する1フレーム分の生データ
// Data はコールバックから戻るまでの間だけ有効
type Sample struct {
	Data   []byte
	Width  int
	Height int
	Stride int // 0 の場合は Width * Format.BytesPerPixel()
	Format PixelFormat
}

// SampleCallback は読み取り完了時にネイティブ層のゴルーチンから呼ばれる
// 成功時は err == nil、失敗時は sample == nil
type SampleCallback func(sample *Sample, err error)
