package convert

import "fmt"

// channel は出力画素のチャンネル
type channel uint8

const (
	chR channel = iota
	chG
	chB
)

// Pattern はBayer CFAの位相（左上2x2の並び）
type Pattern uint8

const (
	PatternRGGB Pattern = iota // BayerRG8: R G / G B
	PatternBGGR                // BayerBG8: B G / G R
	PatternGRBG                // BayerGR8: G R / B G
	PatternGBRG                // BayerGB8: G B / R G
)

// String はパターン名を返す
func (p Pattern) String() string {
	switch p {
	case PatternRGGB:
		return "RGGB"
	case PatternBGGR:
		return "BGGR"
	case PatternGRBG:
		return "GRBG"
	case PatternGBRG:
		return "GBRG"
	default:
		return fmt.Sprintf("Pattern(%d)", uint8(p))
	}
}

// cfaTable は各パターンの [y%2][x%2] 位置に配置されたフィルタ色
//
// PFNC の BayerXY8 は先頭行が X, Y の順に並ぶことを表す。
var cfaTable = map[Pattern][2][2]channel{
	PatternRGGB: {{chR, chG}, {chG, chB}},
	PatternBGGR: {{chB, chG}, {chG, chR}},
	PatternGRBG: {{chG, chR}, {chB, chG}},
	PatternGBRG: {{chG, chB}, {chR, chG}},
}

// colorAt はパターン p における座標 (x, y) のフィルタ色を返す
func (p Pattern) colorAt(x, y int) channel {
	return cfaTable[p][y&1][x&1]
}

func bayerConverter(p Pattern) converter {
	return func(dst, src []byte, width, height int) error {
		demosaic(dst, src, width, height, p)
		return nil
	}
}

// demosaic は双線形補間でBayer配列をBGRA8へ展開する
//
// 各画素の各チャンネルは、自身のフィルタ色であればその値を、そうでなければ
// 3x3 近傍（画像内のみ）にある同色画素の平均を使う。これは R/B 画素での G
// （上下左右）、R/B 画素での B/R（斜め）、G 画素での R/B（左右または上下）の
// 標準的な双線形補間と一致する。
func demosaic(dst, src []byte, width, height int, p Pattern) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var sum [3]int
			var cnt [3]int
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= width {
						continue
					}
					c := p.colorAt(nx, ny)
					sum[c] += int(src[ny*width+nx])
					cnt[c]++
				}
			}

			own := p.colorAt(x, y)
			var v [3]byte
			for c := chR; c <= chB; c++ {
				switch {
				case c == own:
					v[c] = src[y*width+x]
				case cnt[c] > 0:
					v[c] = byte((sum[c] + cnt[c]/2) / cnt[c])
				}
			}

			o := (y*width + x) * BytesPerPixel
			dst[o] = v[chB]
			dst[o+1] = v[chG]
			dst[o+2] = v[chR]
			dst[o+3] = 0xFF
		}
	}
}
