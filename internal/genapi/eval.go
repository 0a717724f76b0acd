package genapi

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

// Port はデバイスメモリへのアクセス手段
//
// 実装は呼び出しを直列化する必要はない。同一デバイスへのアクセスの直列化は
// Port を提供する側（Session）の責務。
type Port interface {
	Read(addr uint64, length int) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// maxRefDepth は pValue などの参照をたどる深さの上限。循環参照で停止しないための制限
const maxRefDepth = 16

// evaluator はノード定義とポートから値・アクセス可否を評価する
type evaluator struct {
	defs map[string]*def
	port Port
}

func (e *evaluator) lookup(name string, depth int) (*def, error) {
	if depth > maxRefDepth {
		return nil, fmt.Errorf("%w: %q の参照が深すぎます（循環参照の可能性）", ErrProtocol, name)
	}
	d, ok := e.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: ノード %q が定義されていません", ErrProtocol, name)
	}
	return d, nil
}

func (e *evaluator) readReg(d *def) ([]byte, error) {
	b, err := e.port.Read(d.address, d.length)
	if err != nil {
		return nil, fmt.Errorf("%w: レジスタ %s (0x%X) の読み取りに失敗しました: %w", ErrProtocol, d.name, d.address, err)
	}
	if len(b) < d.length {
		return nil, fmt.Errorf("%w: レジスタ %s の読み取り長 %d が不足しています", ErrProtocol, d.name, len(b))
	}
	return b[:d.length], nil
}

func (e *evaluator) writeReg(d *def, b []byte) error {
	if err := e.port.Write(d.address, b); err != nil {
		return fmt.Errorf("%w: レジスタ %s (0x%X) への書き込みに失敗しました: %w", ErrProtocol, d.name, d.address, err)
	}
	return nil
}

// readInt は name が表す整数値を評価する
func (e *evaluator) readInt(name string) (int64, error) {
	return e.intAt(name, 0)
}

func (e *evaluator) intAt(name string, depth int) (int64, error) {
	d, err := e.lookup(name, depth)
	if err != nil {
		return 0, err
	}
	switch d.kind {
	case defIntReg:
		b, err := e.readReg(d)
		if err != nil {
			return 0, err
		}
		return decodeInt(b, d.little, d.signed), nil
	case defMaskedIntReg:
		b, err := e.readReg(d)
		if err != nil {
			return 0, err
		}
		return extractBits(uint64(decodeInt(b, d.little, false)), d.lsb, d.msb, d.signed), nil
	case defInteger, defBoolean, defEnumeration, defCommand:
		if d.pValue != "" {
			return e.intAt(d.pValue, depth+1)
		}
		if d.intValue.set {
			return d.intValue.value, nil
		}
		return 0, fmt.Errorf("%w: %s に値がありません", ErrProtocol, name)
	case defEnumEntry:
		return d.entryValue, nil
	case defFloat, defFloatReg:
		f, err := e.floatAt(name, depth)
		if err != nil {
			return 0, err
		}
		return int64(math.Round(f)), nil
	default:
		return 0, fmt.Errorf("%w: %s %q は整数値を持ちません", ErrProtocol, d.element, name)
	}
}

// writeInt は name が表す整数値を書き込む
func (e *evaluator) writeInt(name string, v int64) error {
	return e.writeIntAt(name, v, 0)
}

func (e *evaluator) writeIntAt(name string, v int64, depth int) error {
	d, err := e.lookup(name, depth)
	if err != nil {
		return err
	}
	switch d.kind {
	case defIntReg:
		b, err := encodeInt(v, d.length, d.little, d.signed)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return e.writeReg(d, b)
	case defMaskedIntReg:
		if err := checkBitsRange(v, d.msb-d.lsb+1, d.signed); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		cur, err := e.readReg(d)
		if err != nil {
			return err
		}
		u := insertBits(uint64(decodeInt(cur, d.little, false)), uint64(v), d.lsb, d.msb)
		return e.writeReg(d, encodeUint(u, d.length, d.little))
	case defInteger, defBoolean, defEnumeration, defCommand:
		if d.pValue == "" {
			return fmt.Errorf("%w: 定数ノード %s には書き込めません", ErrProtocol, name)
		}
		return e.writeIntAt(d.pValue, v, depth+1)
	case defFloat, defFloatReg:
		return e.writeFloatAt(name, float64(v), depth)
	default:
		return fmt.Errorf("%w: %s %q に整数値は書き込めません", ErrProtocol, d.element, name)
	}
}

// readFloat は name が表す浮動小数点値を評価する
func (e *evaluator) readFloat(name string) (float64, error) {
	return e.floatAt(name, 0)
}

func (e *evaluator) floatAt(name string, depth int) (float64, error) {
	d, err := e.lookup(name, depth)
	if err != nil {
		return 0, err
	}
	switch d.kind {
	case defFloatReg:
		b, err := e.readReg(d)
		if err != nil {
			return 0, err
		}
		return decodeFloat(b, d.little), nil
	case defFloat:
		if d.pValue != "" {
			return e.floatAt(d.pValue, depth+1)
		}
		if d.floatValue.set {
			return d.floatValue.value, nil
		}
		return 0, fmt.Errorf("%w: %s に値がありません", ErrProtocol, name)
	default:
		v, err := e.intAt(name, depth)
		if err != nil {
			return 0, err
		}
		return float64(v), nil
	}
}

func (e *evaluator) writeFloat(name string, v float64) error {
	return e.writeFloatAt(name, v, 0)
}

func (e *evaluator) writeFloatAt(name string, v float64, depth int) error {
	d, err := e.lookup(name, depth)
	if err != nil {
		return err
	}
	switch d.kind {
	case defFloatReg:
		return e.writeReg(d, encodeFloat(v, d.length, d.little))
	case defFloat:
		if d.pValue == "" {
			return fmt.Errorf("%w: 定数ノード %s には書き込めません", ErrProtocol, name)
		}
		return e.writeFloatAt(d.pValue, v, depth+1)
	default:
		return e.writeIntAt(name, int64(math.Round(v)), depth)
	}
}

// readString は name が表す文字列を評価する。NUL 以降は切り捨てる
func (e *evaluator) readString(name string) (string, error) {
	d, err := e.stringReg(name)
	if err != nil {
		return "", err
	}
	b, err := e.readReg(d)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func (e *evaluator) writeString(name, s string) error {
	d, err := e.stringReg(name)
	if err != nil {
		return err
	}
	if len(s) > d.length {
		return fmt.Errorf("%w: 文字列長 %d はレジスタ長 %d を超えています", ErrRange, len(s), d.length)
	}
	b := make([]byte, d.length)
	copy(b, s)
	return e.writeReg(d, b)
}

// stringReg は文字列ノードの背後にある StringReg を返す
func (e *evaluator) stringReg(name string) (*def, error) {
	for depth := 0; ; depth++ {
		d, err := e.lookup(name, depth)
		if err != nil {
			return nil, err
		}
		switch d.kind {
		case defStringReg:
			return d, nil
		case defString:
			name = d.pValue
		default:
			return nil, fmt.Errorf("%w: %s %q は文字列値を持ちません", ErrProtocol, d.element, name)
		}
	}
}

// accessOf は name の値が最終的に依存するレジスタまでたどったアクセスモードを返す
func (e *evaluator) accessOf(name string, depth int) AccessMode {
	d, err := e.lookup(name, depth)
	if err != nil {
		return AccessNA
	}
	if d.kind.isRegister() {
		return d.access.intersect(d.imposed)
	}
	switch d.kind {
	case defEnumEntry:
		return AccessRO
	case defCategory, defUnknown:
		return AccessNA
	}
	if d.pValue != "" {
		return d.imposed.intersect(e.accessOf(d.pValue, depth+1))
	}
	// 定数値のノード
	return d.imposed.intersect(AccessRO)
}

// flag は述語ノードを評価する。0 以外が真
func (e *evaluator) flag(name string) (bool, error) {
	v, err := e.readInt(name)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (e *evaluator) isImplemented(d *def) bool {
	if d.pImplemented == "" {
		return true
	}
	ok, err := e.flag(d.pImplemented)
	return err == nil && ok
}

func (e *evaluator) isAvailable(d *def) bool {
	if d.pAvailable == "" {
		return true
	}
	ok, err := e.flag(d.pAvailable)
	return err == nil && ok
}

// isLocked は述語が評価できない場合もロック中として扱う
func (e *evaluator) isLocked(d *def) bool {
	if d.pLocked == "" {
		return false
	}
	locked, err := e.flag(d.pLocked)
	return err != nil || locked
}

func (e *evaluator) isReadable(d *def) bool {
	return e.isImplemented(d) && e.isAvailable(d) && e.accessOf(d.name, 0).Readable()
}

func (e *evaluator) isWritable(d *def) bool {
	return e.isImplemented(d) && e.isAvailable(d) && !e.isLocked(d) && e.accessOf(d.name, 0).Writable()
}

func (e *evaluator) intRef(r intRef, fallback int64) (int64, error) {
	switch {
	case r.node != "":
		return e.readInt(r.node)
	case r.set:
		return r.value, nil
	default:
		return fallback, nil
	}
}

func (e *evaluator) floatRef(r floatRef, fallback float64) (float64, error) {
	switch {
	case r.node != "":
		return e.readFloat(r.node)
	case r.set:
		return r.value, nil
	default:
		return fallback, nil
	}
}

// decodeInt はレジスタのバイト列を整数に変換する
func decodeInt(b []byte, little, signed bool) int64 {
	var u uint64
	n := len(b)
	for i := 0; i < n; i++ {
		var c byte
		if little {
			c = b[n-1-i]
		} else {
			c = b[i]
		}
		u = u<<8 | uint64(c)
	}
	if signed && n < 8 {
		shift := uint(64 - 8*n)
		return int64(u<<shift) >> shift
	}
	return int64(u)
}

// encodeInt は整数を length バイトのレジスタ表現に変換する。
// レジスタに収まらない値は ErrRange を返す
func encodeInt(v int64, length int, little, signed bool) ([]byte, error) {
	if err := checkBitsRange(v, length*8, signed); err != nil {
		return nil, err
	}
	return encodeUint(uint64(v), length, little), nil
}

func encodeUint(u uint64, length int, little bool) []byte {
	b := make([]byte, length)
	for i := 0; i < length; i++ {
		c := byte(u >> (8 * uint(i)))
		if little {
			b[i] = c
		} else {
			b[length-1-i] = c
		}
	}
	return b
}

func checkBitsRange(v int64, bits int, signed bool) error {
	if bits >= 64 {
		if !signed && v < 0 {
			return fmt.Errorf("%w: 値 %d は符号なしレジスタに書き込めません", ErrRange, v)
		}
		return nil
	}
	if signed {
		lo := -(int64(1) << uint(bits-1))
		hi := int64(1)<<uint(bits-1) - 1
		if v < lo || v > hi {
			return fmt.Errorf("%w: 値 %d は %d ビット符号付きの範囲 [%d, %d] 外です", ErrRange, v, bits, lo, hi)
		}
		return nil
	}
	hi := int64(1)<<uint(bits) - 1
	if v < 0 || v > hi {
		return fmt.Errorf("%w: 値 %d は %d ビット符号なしの範囲 [0, %d] 外です", ErrRange, v, bits, hi)
	}
	return nil
}

// extractBits は u のビット lsb..msb（0 が最下位ビット）を取り出す
func extractBits(u uint64, lsb, msb int, signed bool) int64 {
	width := uint(msb - lsb + 1)
	v := u >> uint(lsb)
	if width < 64 {
		v &= (uint64(1) << width) - 1
	}
	if signed && width < 64 {
		shift := 64 - width
		return int64(v<<shift) >> shift
	}
	return int64(v)
}

func insertBits(cur, v uint64, lsb, msb int) uint64 {
	width := uint(msb - lsb + 1)
	mask := ^uint64(0)
	if width < 64 {
		mask = (uint64(1) << width) - 1
	}
	return cur&^(mask<<uint(lsb)) | (v&mask)<<uint(lsb)
}

func decodeFloat(b []byte, little bool) float64 {
	u := uint64(decodeInt(b, little, false))
	if len(b) == 4 {
		return float64(math.Float32frombits(uint32(u)))
	}
	return math.Float64frombits(u)
}

func encodeFloat(v float64, length int, little bool) []byte {
	var u uint64
	if length == 4 {
		u = uint64(math.Float32bits(float32(v)))
	} else {
		u = math.Float64bits(v)
	}
	return encodeUint(u, length, little)
}

// asProtocol はエラーを ErrProtocol か ErrRange のいずれかとして返す
func asProtocol(err error) error {
	if err == nil || errors.Is(err, ErrProtocol) || errors.Is(err, ErrRange) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProtocol, err)
}
