package sim

import (
	"encoding/binary"
	"math"
)

// レジスタマップ（camera.xml と一致させる）
const (
	regVendorName   = 0x0000
	regModelName    = 0x0020
	regSerialNumber = 0x0040
	regUserID       = 0x0060

	identityStringLen = 32
	userIDLen         = 16

	regWidth       = 0x1000
	regHeight      = 0x1004
	regOffsetX     = 0x1008
	regOffsetY     = 0x100C
	regWidthMax    = 0x1010
	regHeightMax   = 0x1014
	regPixelFormat = 0x1018
	regReverseX    = 0x101C
	regOffsetXMax  = 0x1020
	regOffsetYMax  = 0x1024

	regAcquisitionMode  = 0x2000
	regAcquisitionStart = 0x2004
	regAcquisitionStop  = 0x2008
	regTLParamsLocked   = 0x200C

	regExposureAuto   = 0x3000
	regExposureLocked = 0x3004
	regExposureTime   = 0x3008 // float64
	regGain           = 0x3010 // float32
	regFrameRate      = 0x3018 // float64

	regTestPattern     = 0x4000
	regTriggerSoftware = 0x4004
	regTriggerMode     = 0x4008
	regUserSetLoad     = 0x400C

	regChunkModeActive = 0x5000

	memSize = 0x6000
)

// ExposureAuto の値
const (
	exposureAutoOff        = 0
	exposureAutoOnce       = 1
	exposureAutoContinuous = 2
)

// TestPattern の値
const (
	patternOff = iota
	patternGreyDiagonalRamp
	patternColorBars
)

// readOnlyRanges はホストから書き込めない領域 [start, end)
var readOnlyRanges = [][2]uint64{
	{regVendorName, regUserID},
	{regWidthMax, regPixelFormat},
	{regOffsetXMax, regOffsetYMax + 4},
	{regTLParamsLocked, regTLParamsLocked + 4},
	{regExposureLocked, regExposureLocked + 4},
}

// lockedWhileStreaming はストリーミング中に書き込めないレジスタ
var lockedWhileStreaming = map[uint64]bool{
	regWidth:           true,
	regHeight:          true,
	regPixelFormat:     true,
	regAcquisitionMode: true,
	regUserSetLoad:     true,
}

// commandRegisters は書き込み後にファームウェアが自動でクリアするレジスタ
var commandRegisters = map[uint64]bool{
	regAcquisitionStart: true,
	regAcquisitionStop:  true,
	regTriggerSoftware:  true,
	regUserSetLoad:      true,
}

func overlaps(addr uint64, n int, r [2]uint64) bool {
	end := addr + uint64(n)
	return addr < r[1] && r[0] < end
}

func isReadOnly(addr uint64, n int) bool {
	for _, r := range readOnlyRanges {
		if overlaps(addr, n, r) {
			return true
		}
	}
	return false
}

// memory はリトルエンディアンのレジスタ空間
type memory []byte

func (m memory) u32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m[addr : addr+4])
}

func (m memory) putU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m[addr:addr+4], v)
}

func (m memory) f64(addr uint64) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(m[addr : addr+8]))
}

func (m memory) putF64(addr uint64, v float64) {
	binary.LittleEndian.PutUint64(m[addr:addr+8], math.Float64bits(v))
}

func (m memory) f32(addr uint64) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(m[addr : addr+4]))
}

func (m memory) putF32(addr uint64, v float32) {
	binary.LittleEndian.PutUint32(m[addr:addr+4], math.Float32bits(v))
}

func (m memory) putString(addr uint64, n int, s string) {
	b := m[addr : addr+uint64(n)]
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
}

func (m memory) str(addr uint64, n int) string {
	b := m[addr : addr+uint64(n)]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
