package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Enumerator はその時点で利用可能なキャプチャデバイスを問い合わせる
type Enumerator struct {
	manager *Manager
}

// NewEnumerator は新しいEnumeratorを作成する
func NewEnumerator(manager *Manager) *Enumerator {
	return &Enumerator{manager: manager}
}

// Enumerate は現在接続されているデバイスの一覧を返す
// Manager が Running でない場合は LifecycleError を返す
// デバイスがない場合は空のスライスを返す（エラーではない）
func (e *Enumerator) Enumerate(ctx context.Context) ([]Device, error) {
	if err := e.manager.requireRunning("enumerate"); err != nil {
		return nil, err
	}

	devices, err := e.manager.platform.Devices(ctx)
	if err != nil {
		code, _ := nativeCode(err)
		return nil, &SessionError{Op: "enumerate", Code: code, Err: err}
	}

	// プラットフォームのスライスを保持しないようにコピーを返す
	result := make([]Device, len(devices))
	copy(result, devices)
	return result, nil
}

// Lookup は列挙結果からシンボリックリンクが一致するデバイスを探す
func Lookup(devices []Device, symbolicLink string) (Device, bool) {
	for _, d := range devices {
		if d.SymbolicLink == symbolicLink {
			return d, true
		}
	}
	return Device{}, false
}

// v4l2Scanner はLinuxのV4L2デバイスを検出する
type v4l2Scanner struct {
	devGlob  string // 例: /dev/video*
	byIDDir  string // 例: /dev/v4l/by-id
	ctlPath  string // v4l2-ctl の実行ファイル
	nameFunc func(ctx context.Context, device string) string
}

// newV4L2Scanner は標準のパスを使うv4l2Scannerを作成する
func newV4L2Scanner() *v4l2Scanner {
	s := &v4l2Scanner{
		devGlob: "/dev/video*",
		byIDDir: "/dev/v4l/by-id",
		ctlPath: "v4l2-ctl",
	}
	s.nameFunc = s.deviceName
	return s
}

// scan はキャプチャ可能なV4L2デバイスを番号順に返す
func (s *v4l2Scanner) scan(ctx context.Context) ([]Device, error) {
	matches, err := filepath.Glob(s.devGlob)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	links := s.stableLinks()

	devices := make([]Device, 0, len(matches))
	for _, path := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !isV4L2Path(path) || !isReadable(path) {
			continue
		}

		link := path
		if stable, ok := links[path]; ok {
			link = stable
		}

		devices = append(devices, Device{
			Name:         s.nameFunc(ctx, path),
			SymbolicLink: v4l2LinkPrefix + link,
		})
	}

	return devices, nil
}

// stableLinks は /dev/v4l/by-id のシンボリックリンクを実デバイスパスに対応付ける
// USBの挿し直しで /dev/videoN の番号が変わっても同じ識別子を得るため
func (s *v4l2Scanner) stableLinks() map[string]string {
	links := make(map[string]string)

	entries, err := os.ReadDir(s.byIDDir)
	if err != nil {
		return links
	}

	for _, entry := range entries {
		// メタデータ用のノード (index1 以降) は除外
		if !strings.HasSuffix(entry.Name(), "-index0") {
			continue
		}
		link := filepath.Join(s.byIDDir, entry.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		links[target] = link
	}

	return links
}

// deviceName はv4l2-ctlで実際のカメラ名を取得する
func (s *v4l2Scanner) deviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, s.ctlPath, "--device", device, "--info").Output()
	if err == nil {
		if name := parseCardType(string(output)); name != "" {
			return name
		}
	}

	// フォールバック: デバイス番号から生成
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// parseCardType は "v4l2-ctl --info" の出力から "Card type" の値を抽出する
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

var (
	deviceNumberRe = regexp.MustCompile(`video(\d+)$`)
	v4l2NameRe     = regexp.MustCompile(`^video\d+$`)
)

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// isV4L2Path は videoN 形式のデバイスノードか判定する
func isV4L2Path(device string) bool {
	return v4l2NameRe.MatchString(filepath.Base(device))
}

// isReadable はデバイスファイルを読み取り用に開けるか確認する
func isReadable(device string) bool {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}
