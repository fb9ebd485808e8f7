// Package server は、プレビュー用のHTTP APIを提供します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// キャプチャセッションの操作、フレームの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - デバイス一覧とセッションの操作API
//   - 最新フレームのJPEGスナップショット配信
//   - MJPEGストリーミング配信
//
// 仕様:
//   - ルーティングとリクエスト検証にginを使用
//   - フレームはメモリ上でのみJPEGに変換し、ディスクには保存しない
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
