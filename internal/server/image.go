package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"camviewer/internal/stream"
)

// ErrUnsupportedFormat は未対応の画像形式が指定されたことを表す
var ErrUnsupportedFormat = errors.New("未対応の画像形式")

// encodeFrame はフレームを画像形式にエンコードし、Content-Type と一緒に返す
//
// width が正でフレームより狭い場合は縦横比を保って縮小する。
func encodeFrame(f *stream.Frame, format string, width int) ([]byte, string, error) {
	var img image.Image = f.RGBA()
	if width > 0 && width < f.Width {
		img = scale(img, width)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("PNG エンコードに失敗: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	case "bmp":
		if err := bmp.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("BMP エンコードに失敗: %w", err)
		}
		return buf.Bytes(), "image/bmp", nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// scale は幅 width に縮小した画像を返す。高さは最低1ピクセル
func scale(src image.Image, width int) *image.RGBA {
	b := src.Bounds()
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
