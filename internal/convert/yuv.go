package convert

import (
	"fmt"
	"image/color"
)

// yuyvToBGRA は YUV 4:2:2 (Y0 U Y1 V) を変換する
func yuyvToBGRA(dst, src []byte, width, height int) error {
	return yuv422ToBGRA(dst, src, width, 0, 1, 2, 3)
}

// uyvyToBGRA は YUV 4:2:2 (U Y0 V Y1) を変換する
func uyvyToBGRA(dst, src []byte, width, height int) error {
	return yuv422ToBGRA(dst, src, width, 1, 0, 3, 2)
}

// yuv422ToBGRA は4バイトのマクロ画素（2画素分）ごとに変換する。
// y0, u, y1, v はマクロ画素内のバイトオフセット
func yuv422ToBGRA(dst, src []byte, width, y0, u, y1, v int) error {
	if width%2 != 0 {
		return fmt.Errorf("%w: YUV422 の幅は偶数である必要があります (%d)", ErrInvalidData, width)
	}
	for i, o := 0, 0; i+3 < len(src); i, o = i+4, o+2*BytesPerPixel {
		cb, cr := src[i+u], src[i+v]
		for k, yo := range [2]int{y0, y1} {
			r, g, b := color.YCbCrToRGB(src[i+yo], cb, cr)
			d := o + k*BytesPerPixel
			dst[d] = b
			dst[d+1] = g
			dst[d+2] = r
			dst[d+3] = 0xFF
		}
	}
	return nil
}
