// Package convert はカメラのピクセルデータを表示用の BGRA8 へ変換する
//
// 対応フォーマット: Mono8, RGB8, BGR8, BayerRG8/BG8/GR8/GB8, YUV422_8 (YUYV),
// YUV422_8_UYVY。それ以外は ErrUnsupportedPixelFormat を返し、暗黙の変換は行わない。
//
// Bayer のデモザイクはこのパッケージの cfaTable と双線形補間で行う。
// OpenCV の cvtColor は BayerRG 系で R/B チャンネルが入れ替わる既知の不具合があり、
// 外部ライブラリの変換コードには依存しない。
package convert

import (
	"errors"
	"fmt"

	"camviewer/internal/device"
)

// 変換エラー
var (
	// ErrUnsupportedPixelFormat は変換できないピクセルフォーマットを表す
	ErrUnsupportedPixelFormat = errors.New("サポートされていないピクセルフォーマット")

	// ErrInvalidData は画像でないペイロード、または不正なバッファを表す
	ErrInvalidData = errors.New("不正なデータ")
)

// BytesPerPixel は出力フォーマット（BGRA8）の1画素あたりのバイト数
const BytesPerPixel = 4

// Image は BGRA8 の変換結果
type Image struct {
	Width  int
	Height int
	Stride int    // 1行あたりのバイト数
	Pix    []byte // B, G, R, A の順
}

// converter は1フォーマット分の変換関数
type converter func(dst, src []byte, width, height int) error

// converters はフォーマットごとの入力1画素あたりのバイト数と変換関数
var converters = map[device.PixelFormat]struct {
	bpp int
	fn  converter
}{
	device.PixelFormatMono8:        {1, mono8ToBGRA},
	device.PixelFormatRGB8:         {3, rgb8ToBGRA},
	device.PixelFormatBGR8:         {3, bgr8ToBGRA},
	device.PixelFormatBayerRG8:     {1, bayerConverter(PatternRGGB)},
	device.PixelFormatBayerBG8:     {1, bayerConverter(PatternBGGR)},
	device.PixelFormatBayerGR8:     {1, bayerConverter(PatternGRBG)},
	device.PixelFormatBayerGB8:     {1, bayerConverter(PatternGBRG)},
	device.PixelFormatYUV422_8:     {2, yuyvToBGRA},
	device.PixelFormatYUV422_8UYVY: {2, uyvyToBGRA},
}

// Supported は変換可能なフォーマットかを返す
func Supported(pf device.PixelFormat) bool {
	_, ok := converters[pf]
	return ok
}

// SupportedFormats は変換可能なフォーマットの一覧を返す
func SupportedFormats() []device.PixelFormat {
	formats := make([]device.PixelFormat, 0, len(converters))
	for pf := range converters {
		formats = append(formats, pf)
	}
	return formats
}

// Convert はペイロードを BGRA8 画像へ変換する
//
// チャンクのみのペイロードは ErrInvalidData を返す。ペイロードのバッファは
// 読み取るだけで保持しないため、呼び出し側は変換後すぐに返却してよい。
func Convert(p *device.Payload) (*Image, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: ペイロードがありません", ErrInvalidData)
	}
	if !p.IsImage() {
		return nil, fmt.Errorf("%w: %s ペイロードは画像ではありません", ErrInvalidData, p.Type)
	}
	return ConvertRaw(p.Data, p.Width, p.Height, p.PixelFormat)
}

// ConvertRaw は生バッファを BGRA8 画像へ変換する
func ConvertRaw(src []byte, width, height int, pf device.PixelFormat) (*Image, error) {
	c, ok := converters[pf]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPixelFormat, pf)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: 画像サイズが不正です (%dx%d)", ErrInvalidData, width, height)
	}
	need := width * height * c.bpp
	if len(src) < need {
		return nil, fmt.Errorf("%w: バッファ長 %d は %dx%d %s に必要な %d バイトより短い",
			ErrInvalidData, len(src), width, height, pf, need)
	}

	img := &Image{
		Width:  width,
		Height: height,
		Stride: width * BytesPerPixel,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
	if err := c.fn(img.Pix, src[:need], width, height); err != nil {
		return nil, err
	}
	return img, nil
}

func mono8ToBGRA(dst, src []byte, width, height int) error {
	for i, v := range src {
		o := i * BytesPerPixel
		dst[o] = v
		dst[o+1] = v
		dst[o+2] = v
		dst[o+3] = 0xFF
	}
	return nil
}

func rgb8ToBGRA(dst, src []byte, width, height int) error {
	for i, o := 0, 0; i+2 < len(src); i, o = i+3, o+BytesPerPixel {
		dst[o] = src[i+2]
		dst[o+1] = src[i+1]
		dst[o+2] = src[i]
		dst[o+3] = 0xFF
	}
	return nil
}

func bgr8ToBGRA(dst, src []byte, width, height int) error {
	for i, o := 0, 0; i+2 < len(src); i, o = i+3, o+BytesPerPixel {
		dst[o] = src[i]
		dst[o+1] = src[i+1]
		dst[o+2] = src[i+2]
		dst[o+3] = 0xFF
	}
	return nil
}
