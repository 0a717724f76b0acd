package stream

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HistogramBins は輝度ヒストグラムのビン数
const HistogramBins = 16

// FrameStats はフレームの輝度統計
type FrameStats struct {
	Sequence  uint64    `json:"sequence"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"stddev"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Histogram []float64 `json:"histogram"` // 0-255 を HistogramBins 等分した度数
}

// Analyze はフレームの輝度（BT.601）の統計を計算する
func Analyze(f *Frame) FrameStats {
	st := FrameStats{Sequence: f.Sequence, Width: f.Width, Height: f.Height}
	n := f.Width * f.Height
	if n == 0 {
		st.Histogram = make([]float64, HistogramBins)
		return st
	}

	luma := make([]float64, 0, n)
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			o := x * 4
			b, g, r := float64(row[o]), float64(row[o+1]), float64(row[o+2])
			luma = append(luma, 0.299*r+0.587*g+0.114*b)
		}
	}

	st.Mean, st.StdDev = stat.MeanStdDev(luma, nil)
	if n == 1 {
		st.StdDev = 0
	}
	st.Min = floats.Min(luma)
	st.Max = floats.Max(luma)

	// stat.Histogram はソート済みの入力を要求する
	slices.Sort(luma)
	dividers := make([]float64, HistogramBins+1)
	floats.Span(dividers, 0, 256)
	st.Histogram = stat.Histogram(nil, dividers, luma, nil)
	return st
}
