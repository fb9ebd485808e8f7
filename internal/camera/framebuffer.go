package camera

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
)

// FrameBuffer は1フレーム分のピクセルデータのスナップショット
// Data はネイティブ層から複製されたもので、受け取った側が無期限に保持してよい
type FrameBuffer struct {
	Seq       uint64
	Timestamp time.Time
	TraceID   string

	Width         int
	Height        int
	BytesPerPixel int
	Stride        int // 1行あたりのバイト数 (>= Width * BytesPerPixel)
	Format        PixelFormat
	Data          []byte // 長さは Height * Stride
}

// Len はピクセルデータのバイト数を返す
func (f *FrameBuffer) Len() int {
	return len(f.Data)
}

// Row は y 行目のピクセルデータを返す
func (f *FrameBuffer) Row(y int) []byte {
	start := y * f.Stride
	return f.Data[start : start+f.Width*f.BytesPerPixel]
}

// CopyInto は dst にフレームをコピーする
// dst の寸法が一致すれば dst のストレージを再利用し、異なれば新しく確保する
func (f *FrameBuffer) CopyInto(dst *FrameBuffer) *FrameBuffer {
	if dst == nil || dst.Width != f.Width || dst.Height != f.Height ||
		dst.Stride != f.Stride || cap(dst.Data) < len(f.Data) {
		dst = &FrameBuffer{Data: make([]byte, len(f.Data))}
	}
	data := dst.Data[:len(f.Data)]
	copy(data, f.Data)
	*dst = *f
	dst.Data = data
	return dst
}

// ToRGBA はフレームを image.RGBA に変換する
func (f *FrameBuffer) ToRGBA() (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Row(y)
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		switch f.Format {
		case PixelFormatBGRA:
			for x := 0; x < f.Width; x++ {
				i := x * 4
				dst[i+0] = src[i+2]
				dst[i+1] = src[i+1]
				dst[i+2] = src[i+0]
				dst[i+3] = 0xFF // X チャンネルは未定義なので不透明にする
			}
		case PixelFormatRGBA:
			copy(dst, src)
		case PixelFormatGray:
			for x := 0; x < f.Width; x++ {
				v := src[x]
				dst[x*4+0], dst[x*4+1], dst[x*4+2], dst[x*4+3] = v, v, v, 0xFF
			}
		default:
			return nil, fmt.Errorf("サポートされていないピクセル形式: %q", f.Format)
		}
	}
	return img, nil
}

// newFrameBuffer はネイティブ層のサンプルを複製してFrameBufferを作成する
// 出力は行間の余白を詰めた連続領域になる
func newFrameBuffer(sample *Sample, seq uint64) (*FrameBuffer, error) {
	if sample == nil {
		return nil, NewNativeError(CodeInvalidSample, "サンプルがありません")
	}
	bpp := sample.Format.BytesPerPixel()
	if bpp == 0 {
		return nil, NewNativeError(CodeInvalidSample, "不明なピクセル形式: %q", sample.Format)
	}
	if sample.Width <= 0 || sample.Height <= 0 {
		return nil, NewNativeError(CodeInvalidSample, "無効なサイズ: %dx%d", sample.Width, sample.Height)
	}

	rowBytes := sample.Width * bpp
	srcStride := sample.Stride
	if srcStride == 0 {
		srcStride = rowBytes
	}
	if srcStride < rowBytes {
		return nil, NewNativeError(CodeInvalidSample, "ストライドが行幅より小さい: %d < %d", srcStride, rowBytes)
	}
	if need := (sample.Height-1)*srcStride + rowBytes; len(sample.Data) < need {
		return nil, NewNativeError(CodeInvalidSample, "バッファが短すぎます: %d < %d", len(sample.Data), need)
	}

	data := make([]byte, sample.Height*rowBytes)
	if srcStride == rowBytes {
		copy(data, sample.Data[:len(data)])
	} else {
		for y := 0; y < sample.Height; y++ {
			copy(data[y*rowBytes:(y+1)*rowBytes], sample.Data[y*srcStride:y*srcStride+rowBytes])
		}
	}

	return &FrameBuffer{
		Seq:           seq,
		Timestamp:     time.Now(),
		TraceID:       uuid.New().String(),
		Width:         sample.Width,
		Height:        sample.Height,
		BytesPerPixel: bpp,
		Stride:        rowBytes,
		Format:        sample.Format,
		Data:          data,
	}, nil
}
