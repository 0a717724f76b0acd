package device

import (
	"fmt"
	"strings"
)

// PixelFormat はGenICam PFNC（Pixel Format Naming Convention）のフォーマットコード
type PixelFormat uint32

// PFNCで定義されたピクセルフォーマット
const (
	PixelFormatMono8        PixelFormat = 0x01080001
	PixelFormatMono10       PixelFormat = 0x01100003
	PixelFormatMono12       PixelFormat = 0x01100005
	PixelFormatMono16       PixelFormat = 0x01100007
	PixelFormatBayerGR8     PixelFormat = 0x01080008
	PixelFormatBayerRG8     PixelFormat = 0x01080009
	PixelFormatBayerGB8     PixelFormat = 0x0108000A
	PixelFormatBayerBG8     PixelFormat = 0x0108000B
	PixelFormatBayerRG12    PixelFormat = 0x01100011
	PixelFormatRGB8         PixelFormat = 0x02180014
	PixelFormatBGR8         PixelFormat = 0x02180015
	PixelFormatRGBa8        PixelFormat = 0x02200016
	PixelFormatBGRa8        PixelFormat = 0x02200017
	PixelFormatYUV422_8UYVY PixelFormat = 0x0210001F
	PixelFormatYUV422_8     PixelFormat = 0x02100032
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatMono8:        "Mono8",
	PixelFormatMono10:       "Mono10",
	PixelFormatMono12:       "Mono12",
	PixelFormatMono16:       "Mono16",
	PixelFormatBayerGR8:     "BayerGR8",
	PixelFormatBayerRG8:     "BayerRG8",
	PixelFormatBayerGB8:     "BayerGB8",
	PixelFormatBayerBG8:     "BayerBG8",
	PixelFormatBayerRG12:    "BayerRG12",
	PixelFormatRGB8:         "RGB8",
	PixelFormatBGR8:         "BGR8",
	PixelFormatRGBa8:        "RGBa8",
	PixelFormatBGRa8:        "BGRa8",
	PixelFormatYUV422_8UYVY: "YUV422_8_UYVY",
	PixelFormatYUV422_8:     "YUV422_8",
}

// String はPFNC名を返す
func (p PixelFormat) String() string {
	if name, ok := pixelFormatNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(0x%08X)", uint32(p))
}

// BitsPerPixel はPFNCコードのビット 16-23 に埋め込まれた有効ビット数を返す
func (p PixelFormat) BitsPerPixel() int {
	return int((uint32(p) >> 16) & 0xFF)
}

// ParsePixelFormat はPFNC名からフォーマットコードを得る（大文字小文字は区別しない）
func ParsePixelFormat(name string) (PixelFormat, error) {
	for pf, n := range pixelFormatNames {
		if strings.EqualFold(n, name) {
			return pf, nil
		}
	}
	return 0, fmt.Errorf("不明なピクセルフォーマット: %s", name)
}
