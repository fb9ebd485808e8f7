// Package camera はキャプチャデバイスのセッションとフレーム読み取りを担う
//
// # 責務
// - キャプチャサブシステム全体のライフサイクル管理（Manager）
// - キャプチャデバイスの列挙（Enumerator）
// - デバイスごとのセッションと非同期読み取りループの制御（Reader）
// - ネイティブ層のフレームバッファからのコピーと配送（FrameBuffer）
// - 読み取りエラーの分類（一時的 / 致命的）
//
// # 使い方
//
//	mgr := camera.NewManager(camera.NewFFmpegPlatform(camera.FFmpegOptions{}), nil)
//	if err := mgr.Start(); err != nil { ... }
//	devices, _ := camera.NewEnumerator(mgr).Enumerate(ctx)
//
//	var r *camera.Reader
//	r = camera.NewReader(mgr, camera.ReaderOptions{
//		OnSuccess: func(fb *camera.FrameBuffer) {
//			// fb はコールバック後も安全に保持できる
//			_ = r.ReadSample() // 次のフレームを要求する
//		},
//		OnFailure: func(err error) { ... },
//	})
//	_ = r.Open(ctx, devices[0])
//	_ = r.ReadSample()
//	...
//	_ = r.Close()
//	_ = mgr.Stop()
//
// # 仕様
//   - Reader の読み取りは常に高々1件のみ保留される
//   - コールバックはプラットフォームのゴルーチンから呼ばれる
//   - Close が戻った後、そのReaderのコールバックは一切呼ばれない
//   - OnSuccess / OnFailure の中から Close を呼んではならない（デッドロックする）
//   - Manager.Stop は全Readerのクローズ後にのみ成功する
//
// # 前提要件
//   - v4l-utils: カメラ名の取得に使用（FFmpegPlatform）
//   - ffmpeg: フレームの取得に使用（FFmpegPlatform）
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
