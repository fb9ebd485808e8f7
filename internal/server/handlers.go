package server

import (
	"bytes"
	"errors"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"leancapture/internal/camera"
	"leancapture/internal/config"
	"leancapture/internal/preview"
)

// デフォルトのJPEG品質
const defaultJPEGQuality = 80

// Handler はHTTP APIの各エンドポイントを実装する
type Handler struct {
	config  *config.Config
	manager *camera.Manager
	hub     *preview.Hub
	logger  *slog.Logger
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateSessionRequest はセッション作成のリクエスト
type CreateSessionRequest struct {
	SymbolicLink string `json:"symbolic_link" binding:"required"`
}

// FrameQuery はスナップショット取得のクエリ
type FrameQuery struct {
	Quality int `form:"quality" binding:"omitempty,min=1,max=100"`
}

// Root はルートパスのハンドラ
func (h *Handler) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>leancapture - キャプチャプレビュー</title>
</head>
<body>
    <h1>leancapture キャプチャプレビュー</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>デバイス一覧: <a href="/api/devices">/api/devices</a></p>
    <p>セッション一覧: <a href="/api/sessions">/api/sessions</a></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": h.config.Server.Host,
			"port": h.config.Server.Port,
		},
		"capture": gin.H{
			"backend":      h.config.Capture.Backend,
			"phase":        h.manager.Phase(),
			"open_readers": h.manager.OpenReaders(),
		},
		"sessions":  len(h.hub.List()),
		"timestamp": time.Now(),
	})
}

// GetDevices はデバイス一覧取得エンドポイントの実装
func (h *Handler) GetDevices(c *gin.Context) {
	devices, err := h.hub.Devices(c.Request.Context())
	if err != nil {
		h.respondCaptureError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// ListSessions はセッション一覧取得エンドポイントの実装
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.hub.List()})
}

// CreateSession はセッション作成エンドポイントの実装
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, err := h.hub.Open(c.Request.Context(), req.SymbolicLink)
	if err != nil {
		h.respondCaptureError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session.Info())
}

// GetSession はセッション取得エンドポイントの実装
func (h *Handler) GetSession(c *gin.Context) {
	session, ok := h.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session.Info())
}

// DeleteSession はセッション削除エンドポイントの実装
func (h *Handler) DeleteSession(c *gin.Context) {
	err := h.hub.Close(c.Param("id"))
	switch {
	case errors.Is(err, preview.ErrSessionNotFound):
		respondError(c, http.StatusNotFound, "session_not_found", "指定されたセッションが見つかりません")
	case err != nil:
		// セッションは登録から外れているので削除自体は成功として扱う
		h.logger.Warn("セッションのクローズでエラー", "session", c.Param("id"), "error", err)
		c.Status(http.StatusNoContent)
	default:
		c.Status(http.StatusNoContent)
	}
}

// GetFrame は最新フレームをJPEGで返すエンドポイントの実装
func (h *Handler) GetFrame(c *gin.Context) {
	var query FrameQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if query.Quality == 0 {
		query.Quality = defaultJPEGQuality
	}

	session, ok := h.lookupSession(c)
	if !ok {
		return
	}

	frame, ok := session.Latest(nil)
	if !ok {
		respondError(c, http.StatusServiceUnavailable, "no_frame", "まだフレームを受信していません")
		return
	}

	data, err := encodeJPEG(frame, query.Quality)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Header("X-Trace-Id", frame.TraceID)
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetStream(c *gin.Context) {
	session, ok := h.lookupSession(c)
	if !ok {
		return
	}
	if info := session.Info(); info.Status != preview.StatusActive {
		respondError(c, http.StatusServiceUnavailable, "session_not_active", "セッションがアクティブではありません")
		return
	}

	h.streamMJPEG(c, session)
}

// streamMJPEG はMJPEGストリームを配信する
func (h *Handler) streamMJPEG(c *gin.Context, session *preview.Session) {
	frames, cancel := session.Subscribe()
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	// レスポンスライターを取得
	writer := c.Writer

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case frame, ok := <-frames:
			if !ok {
				// セッションが終了した
				return
			}

			data, err := encodeJPEG(frame, defaultJPEGQuality)
			if err != nil {
				h.logger.Warn("JPEGへの変換に失敗", "error", err)
				continue
			}

			// MJPEGフレームを書き込み
			if _, err := writer.WriteString("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: " +
				strconv.Itoa(len(data)) + "\r\n\r\n"); err != nil {
				return
			}
			if _, err := writer.Write(data); err != nil {
				return
			}
			if _, err := writer.WriteString("\r\n"); err != nil {
				return
			}

			// バッファをフラッシュ
			writer.Flush()
		}
	}
}

// lookupSession はパスのIDからセッションを探し、なければ404を返す
func (h *Handler) lookupSession(c *gin.Context) (*preview.Session, bool) {
	session, ok := h.hub.Get(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "session_not_found", "指定されたセッションが見つかりません")
		return nil, false
	}
	return session, true
}

// respondCaptureError はキャプチャ層のエラーをHTTPステータスに対応付ける
func (h *Handler) respondCaptureError(c *gin.Context, err error) {
	var (
		lifecycle   *camera.LifecycleError
		unavailable *camera.DeviceUnavailableError
		session     *camera.SessionError
	)
	switch {
	case errors.As(err, &lifecycle):
		respondError(c, http.StatusServiceUnavailable, "capture_not_running", err.Error())
	case errors.As(err, &unavailable):
		respondError(c, http.StatusNotFound, "device_unavailable", err.Error())
	case errors.As(err, &session):
		respondError(c, http.StatusBadGateway, "session_error", err.Error())
	default:
		h.logger.Error("予期しないエラー", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// respondError はエラーレスポンスを返す
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// encodeJPEG はフレームをJPEGにエンコードする
func encodeJPEG(frame *camera.FrameBuffer, quality int) ([]byte, error) {
	img, err := frame.ToRGBA()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
