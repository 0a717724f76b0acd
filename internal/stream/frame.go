package stream

import (
	"image"
	"image/color"
	"time"

	"camviewer/internal/convert"
	"camviewer/internal/device"
)

// Frame は変換済みの表示用フレーム。生成後は変更されない
type Frame struct {
	Width     int
	Height    int
	Stride    int
	Pix       []byte // BGRA8
	Sequence  uint64 // パイプライン内の通し番号（1 始まり）
	BlockID   uint64 // デバイスが付与したブロック ID
	Timestamp time.Time
	Source    device.PixelFormat // 変換前のピクセルフォーマット
}

func newFrame(img *convert.Image, p *device.Payload, seq uint64) *Frame {
	return &Frame{
		Width:     img.Width,
		Height:    img.Height,
		Stride:    img.Stride,
		Pix:       img.Pix,
		Sequence:  seq,
		BlockID:   p.BlockID,
		Timestamp: p.Timestamp,
		Source:    p.PixelFormat,
	}
}

// ColorModel は image.Image の実装
func (f *Frame) ColorModel() color.Model {
	return color.RGBAModel
}

// Bounds は image.Image の実装
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// At は image.Image の実装
func (f *Frame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	o := y*f.Stride + x*convert.BytesPerPixel
	return color.RGBA{R: f.Pix[o+2], G: f.Pix[o+1], B: f.Pix[o], A: f.Pix[o+3]}
}

// RGBA は RGBA 順に並べ替えたコピーを返す
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Stride : y*f.Stride+f.Width*convert.BytesPerPixel]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < len(src); x += 4 {
			dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
		}
	}
	return img
}
