package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// シンボリックリンクの接頭辞でキャプチャ元の種類を区別する
const (
	v4l2LinkPrefix = "v4l2:"
	x11LinkPrefix  = "x11:"
)

// FFmpegOptions はFFmpegPlatformの設定
type FFmpegOptions struct {
	FFmpegPath string // 空の場合は PATH から "ffmpeg" を探す
	Width      int
	Height     int
	FPS        int
	Display    string // 空の場合は $DISPLAY。X11 画面も不要なら "-" を指定
	Logger     *slog.Logger
}

// FFmpegPlatform はffmpegのプロセスでV4L2カメラとX11画面を読み取るPlatform実装
type FFmpegPlatform struct {
	opts    FFmpegOptions
	scanner *v4l2Scanner
	logger  *slog.Logger

	mu   sync.Mutex
	path string // 解決済みのffmpegパス
}

// NewFFmpegPlatform は新しいFFmpegPlatformを作成する
func NewFFmpegPlatform(opts FFmpegOptions) *FFmpegPlatform {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	if opts.Display == "" {
		opts.Display = os.Getenv("DISPLAY")
	}
	if opts.Display == "-" {
		opts.Display = ""
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FFmpegPlatform{
		opts:    opts,
		scanner: newV4L2Scanner(),
		logger:  opts.Logger.With("component", "camera.ffmpeg"),
	}
}

// Startup はffmpegの実行ファイルを解決する
func (p *FFmpegPlatform) Startup() error {
	path, err := exec.LookPath(p.opts.FFmpegPath)
	if err != nil {
		return NewNativeError(CodeUnexpected, "ffmpeg が見つかりません: %v", err)
	}

	p.mu.Lock()
	p.path = path
	p.mu.Unlock()

	p.logger.Debug("ffmpegを検出しました", "path", path)
	return nil
}

// Shutdown は何もしない。セッションは各Readerがクローズする
func (p *FFmpegPlatform) Shutdown() error {
	return nil
}

// Devices はV4L2カメラとX11画面を列挙する
func (p *FFmpegPlatform) Devices(ctx context.Context) ([]Device, error) {
	devices, err := p.scanner.scan(ctx)
	if err != nil {
		return nil, err
	}

	if p.opts.Display != "" {
		devices = append(devices, Device{
			Name:         fmt.Sprintf("X11画面 (%s)", p.opts.Display),
			SymbolicLink: x11LinkPrefix + p.opts.Display,
		})
	}

	return devices, nil
}

// OpenSession はデバイスを読み取るffmpegプロセスを起動する
func (p *FFmpegPlatform) OpenSession(ctx context.Context, device Device) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := parseSource(device.SymbolicLink)
	if err != nil {
		return nil, err
	}
	if src.format == "v4l2" {
		if _, err := os.Stat(src.input); err != nil {
			return nil, NewNativeError(CodeDeviceNotFound, "デバイスが存在しません: %s", src.input)
		}
	}

	p.mu.Lock()
	path := p.path
	p.mu.Unlock()
	if path == "" {
		return nil, NewNativeError(CodeUnexpected, "プラットフォームが開始されていません")
	}

	args := buildFFmpegArgs(src, p.opts.Width, p.opts.Height, p.opts.FPS)
	session, err := startFFmpegSession(path, args, p.opts.Width, p.opts.Height,
		p.logger.With("device", device.SymbolicLink))
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ffmpegSource はffmpegの入力指定
type ffmpegSource struct {
	format string // "v4l2" または "x11grab"
	input  string
}

// parseSource はシンボリックリンクからffmpegの入力を決定する
func parseSource(link string) (ffmpegSource, error) {
	if path, ok := strings.CutPrefix(link, v4l2LinkPrefix); ok && path != "" {
		return ffmpegSource{format: "v4l2", input: path}, nil
	}
	if display, ok := strings.CutPrefix(link, x11LinkPrefix); ok && display != "" {
		return ffmpegSource{format: "x11grab", input: display}, nil
	}
	return ffmpegSource{}, NewNativeError(CodeDeviceNotFound, "不明なデバイス: %q", link)
}

// buildFFmpegArgs は生のBGRAフレームを標準出力に書き出すffmpegの引数を組み立てる
func buildFFmpegArgs(src ffmpegSource, width, height, fps int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", src.format,
		"-framerate", strconv.Itoa(fps),
	}
	if src.format == "x11grab" {
		// 画面全体を取り込み、出力側で縮小する
		args = append(args, "-i", src.input)
	} else {
		args = append(args,
			"-video_size", fmt.Sprintf("%dx%d", width, height),
			"-i", src.input,
		)
	}
	return append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "rawvideo",
		"-pix_fmt", "bgra",
		"-",
	)
}

// ffmpegSession は1つのffmpegプロセスが出力するフレームを読み取る
type ffmpegSession struct {
	width  int
	height int
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending SampleCallback
	closed  bool
	broken  error // プロセス終了後は以降の読み取りをすべて拒否する
}

// startFFmpegSession はffmpegを起動してフレームの読み取りを開始する
func startFFmpegSession(path string, args []string, width, height int, logger *slog.Logger) (*ffmpegSession, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, NewNativeError(CodeUnexpected, "ffmpegの起動に失敗: %v", err)
	}

	s := &ffmpegSession{
		width:  width,
		height: height,
		logger: logger,
		cancel: cancel,
	}

	stderrDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer close(stderrDone)
		s.drainStderr(stderr)
	}()
	go func() {
		defer s.wg.Done()
		s.produce(ctx, stdout)

		// パイプの読み取りが終わるまで Wait を呼んではいけない
		cancel()
		<-stderrDone
		_ = cmd.Wait() // キャンセル時のエラーは無視
	}()

	logger.Info("ffmpegを起動しました", "pid", cmd.Process.Pid)
	return s, nil
}

// ReadSample は次のフレームの読み取りを予約する
func (s *ffmpegSession) ReadSample(complete SampleCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return NewNativeError(CodeUnexpected, "セッションはクローズ済みです")
	case s.broken != nil:
		return s.broken
	case s.pending != nil:
		return NewNativeError(CodeUnexpected, "読み取り要求が既に保留中です")
	}
	s.pending = complete
	return nil
}

// Close はffmpegを停止し、読み取りゴルーチンの終了を待つ
func (s *ffmpegSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// produce はフレームを1枚ずつ読み取り、保留中の要求があれば完了させる
// 要求がない間に届いたフレームは読み捨てる
func (s *ffmpegSession) produce(ctx context.Context, stdout io.Reader) {
	buf := make([]byte, s.width*s.height*PixelFormatBGRA.BytesPerPixel())

	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = NewNativeError(CodeDeviceLost, "ffmpegのストリームが終了しました")
			} else {
				err = NewNativeError(CodeDeviceLost, "フレーム読み取りエラー: %v", err)
			}
			s.logger.Warn("キャプチャが停止しました", "error", err)

			s.mu.Lock()
			s.broken = err
			complete := s.pending
			s.pending = nil
			s.mu.Unlock()

			if complete != nil {
				complete(nil, err)
			}
			return
		}

		s.mu.Lock()
		complete := s.pending
		s.pending = nil
		s.mu.Unlock()

		if complete == nil {
			continue
		}
		complete(&Sample{
			Data:   buf,
			Width:  s.width,
			Height: s.height,
			Format: PixelFormatBGRA,
		}, nil)
	}
}

// drainStderr はffmpegのエラー出力をログに転送する
func (s *ffmpegSession) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("ffmpeg", "stderr", scanner.Text())
	}
}
