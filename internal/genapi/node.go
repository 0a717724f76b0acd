package genapi

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Kind はノードの種別
type Kind uint8

const (
	KindCategory Kind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindEnumeration
	KindString
	KindCommand
)

// String は種別名を返す
func (k Kind) String() string {
	switch k {
	case KindCategory:
		return "Category"
	case KindBoolean:
		return "Boolean"
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindEnumeration:
		return "Enumeration"
	case KindString:
		return "String"
	case KindCommand:
		return "Command"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// kindOf は記述ドキュメントの要素をノード種別へ分類する。
// ツリーに載せない要素は false を返す
func kindOf(d *def) (Kind, bool) {
	switch d.kind {
	case defCategory:
		return KindCategory, true
	case defBoolean:
		return KindBoolean, true
	case defInteger, defIntReg, defMaskedIntReg:
		return KindInteger, true
	case defFloat, defFloatReg:
		return KindFloat, true
	case defEnumeration:
		return KindEnumeration, true
	case defString, defStringReg:
		return KindString, true
	case defCommand:
		return KindCommand, true
	default:
		return 0, false
	}
}

// Node はパラメータツリーの1ノード
//
// Kind に対応するフィールドだけが非 nil になるタグ付きユニオン。
type Node struct {
	Kind        Kind
	Category    *Category
	Boolean     *Boolean
	Integer     *Integer
	Float       *Float
	Enumeration *Enumeration
	String      *String
	Command     *Command

	b *base
}

// Name はノード名を返す
func (n *Node) Name() string { return n.b.Name() }

// DisplayName は表示名を返す
func (n *Node) DisplayName() string { return n.b.DisplayName() }

// ToolTip はツールチップを返す
func (n *Node) ToolTip() string { return n.b.ToolTip() }

// IsReadable は現在読み取り可能かを返す
func (n *Node) IsReadable() bool { return n.b.IsReadable() }

// IsWritable は現在書き込み可能かを返す
func (n *Node) IsWritable() bool { return n.b.IsWritable() }

// base は全種別に共通のメタデータと評価器
type base struct {
	ev  *evaluator
	def *def
}

// Name はノード名を返す
func (b *base) Name() string { return b.def.name }

// DisplayName は表示名を返す。未設定ならノード名
func (b *base) DisplayName() string { return b.def.label() }

// ToolTip はツールチップを返す
func (b *base) ToolTip() string { return b.def.toolTip }

// Description は説明文を返す
func (b *base) Description() string { return b.def.description }

// Visibility は表示レベル（Beginner / Expert / Guru）を返す
func (b *base) Visibility() string { return b.def.visibility }

// IsReadable はアクセスモード・実装・利用可否・背後のレジスタから
// 読み取り可能かをその場で評価する
func (b *base) IsReadable() bool { return b.ev.isReadable(b.def) }

// IsWritable はロック状態も含めて書き込み可能かをその場で評価する
func (b *base) IsWritable() bool { return b.ev.isWritable(b.def) }

func (b *base) notReadable() error {
	return fmt.Errorf("%w: %s", ErrNotReadable, b.def.name)
}

// Category は子ノードを持つカテゴリ
type Category struct {
	base
	children []*Node
	expanded atomic.Bool
}

// Children は記述順の子ノードを返す。呼び出し側は変更してはならない
func (c *Category) Children() []*Node { return c.children }

// Expanded は展開表示中かを返す
func (c *Category) Expanded() bool { return c.expanded.Load() }

// Expand は展開表示にする。デバイスには触れない
func (c *Category) Expand() { c.expanded.Store(true) }

// Collapse は折りたたみ表示にする
func (c *Category) Collapse() { c.expanded.Store(false) }

// Toggle は展開状態を反転する
func (c *Category) Toggle() {
	for {
		cur := c.expanded.Load()
		if c.expanded.CompareAndSwap(cur, !cur) {
			return
		}
	}
}

// Boolean は真偽値ノード
type Boolean struct {
	base
}

// Value は現在値を返す
func (n *Boolean) Value() (bool, error) {
	if !n.IsReadable() {
		return false, n.notReadable()
	}
	v, err := n.ev.readInt(n.def.name)
	if err != nil {
		return false, asProtocol(err)
	}
	switch v {
	case n.def.onValue:
		return true, nil
	case n.def.offValue:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s の値 %d は OnValue/OffValue のどちらでもありません", ErrProtocol, n.def.name, v)
	}
}

// SetValue は値を書き込む。書き込み不可の場合は何もしない
func (n *Boolean) SetValue(v bool) error {
	_, err := n.set(v)
	return err
}

func (n *Boolean) set(v bool) (bool, error) {
	if !n.IsWritable() {
		return false, nil
	}
	raw := n.def.offValue
	if v {
		raw = n.def.onValue
	}
	if err := n.ev.writeInt(n.def.name, raw); err != nil {
		return false, asProtocol(err)
	}
	return true, nil
}

// Integer は整数ノード
type Integer struct {
	base
}

// Value は現在値を返す
func (n *Integer) Value() (int64, error) {
	if !n.IsReadable() {
		return 0, n.notReadable()
	}
	v, err := n.ev.readInt(n.def.name)
	return v, asProtocol(err)
}

// Min は下限を返す。pMin の場合はその場で評価する
func (n *Integer) Min() (int64, error) {
	v, err := n.ev.intRef(n.def.min, math.MinInt64)
	return v, asProtocol(err)
}

// Max は上限を返す
func (n *Integer) Max() (int64, error) {
	v, err := n.ev.intRef(n.def.max, math.MaxInt64)
	return v, asProtocol(err)
}

// Inc は増分を返す。未指定なら 1
func (n *Integer) Inc() (int64, error) {
	v, err := n.ev.intRef(n.def.inc, 1)
	return v, asProtocol(err)
}

// Unit は単位を返す
func (n *Integer) Unit() string { return n.def.unit }

// SetValue は値を書き込む。書き込み不可の場合は何もしない
//
// Min/Max の範囲外、または Min からの増分に乗らない値は ErrRange を返す。
func (n *Integer) SetValue(v int64) error {
	_, err := n.set(v)
	return err
}

func (n *Integer) set(v int64) (bool, error) {
	if !n.IsWritable() {
		return false, nil
	}
	lo, err := n.Min()
	if err != nil {
		return false, err
	}
	hi, err := n.Max()
	if err != nil {
		return false, err
	}
	inc, err := n.Inc()
	if err != nil {
		return false, err
	}
	if v < lo || v > hi {
		return false, fmt.Errorf("%w: %s の値 %d は [%d, %d] の範囲外です", ErrRange, n.def.name, v, lo, hi)
	}
	if inc > 1 && (v-lo)%inc != 0 {
		return false, fmt.Errorf("%w: %s の値 %d は増分 %d に合いません", ErrRange, n.def.name, v, inc)
	}
	if err := n.ev.writeInt(n.def.name, v); err != nil {
		return false, asProtocol(err)
	}
	return true, nil
}

// Float は浮動小数点ノード
type Float struct {
	base
}

// Value は現在値を返す
func (n *Float) Value() (float64, error) {
	if !n.IsReadable() {
		return 0, n.notReadable()
	}
	v, err := n.ev.readFloat(n.def.name)
	return v, asProtocol(err)
}

// Min は下限を返す
func (n *Float) Min() (float64, error) {
	v, err := n.ev.floatRef(n.def.fmin, -math.MaxFloat64)
	return v, asProtocol(err)
}

// Max は上限を返す
func (n *Float) Max() (float64, error) {
	v, err := n.ev.floatRef(n.def.fmax, math.MaxFloat64)
	return v, asProtocol(err)
}

// Inc は増分を返す。未指定なら ok は false
func (n *Float) Inc() (inc float64, ok bool, err error) {
	if !n.def.finc.set && n.def.finc.node == "" {
		return 0, false, nil
	}
	v, err := n.ev.floatRef(n.def.finc, 0)
	return v, v > 0, asProtocol(err)
}

// Unit は単位を返す
func (n *Float) Unit() string { return n.def.unit }

// SetValue は値を書き込む。書き込み不可の場合は何もしない
func (n *Float) SetValue(v float64) error {
	_, err := n.set(v)
	return err
}

func (n *Float) set(v float64) (bool, error) {
	if !n.IsWritable() {
		return false, nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false, fmt.Errorf("%w: %s に %v は書き込めません", ErrRange, n.def.name, v)
	}
	lo, err := n.Min()
	if err != nil {
		return false, err
	}
	hi, err := n.Max()
	if err != nil {
		return false, err
	}
	if v < lo || v > hi {
		return false, fmt.Errorf("%w: %s の値 %g は [%g, %g] の範囲外です", ErrRange, n.def.name, v, lo, hi)
	}
	if inc, ok, err := n.Inc(); err != nil {
		return false, err
	} else if ok {
		steps := (v - lo) / inc
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return false, fmt.Errorf("%w: %s の値 %g は増分 %g に合いません", ErrRange, n.def.name, v, inc)
		}
	}
	if err := n.ev.writeFloat(n.def.name, v); err != nil {
		return false, asProtocol(err)
	}
	return true, nil
}

// String は文字列ノード
type String struct {
	base
}

// Value は現在値を返す
func (n *String) Value() (string, error) {
	if !n.IsReadable() {
		return "", n.notReadable()
	}
	v, err := n.ev.readString(n.def.name)
	return v, asProtocol(err)
}

// MaxLength は書き込める最大バイト数を返す
func (n *String) MaxLength() (int, error) {
	d, err := n.ev.stringReg(n.def.name)
	if err != nil {
		return 0, err
	}
	return d.length, nil
}

// SetValue は値を書き込む。書き込み不可の場合は何もしない。
// レジスタ長を超える文字列は ErrRange を返す
func (n *String) SetValue(v string) error {
	_, err := n.set(v)
	return err
}

func (n *String) set(v string) (bool, error) {
	if !n.IsWritable() {
		return false, nil
	}
	if err := n.ev.writeString(n.def.name, v); err != nil {
		return false, asProtocol(err)
	}
	return true, nil
}

// Command はデバイス側の動作を起動するノード
type Command struct {
	base
}

func (n *Command) commandValue() (int64, error) {
	v, err := n.ev.intRef(n.def.commandValue, 1)
	return v, asProtocol(err)
}

// Execute はコマンドを起動する。書き込み不可の場合は何もしない
//
// 完了を待たない。完了は IsDone で確認する。
func (n *Command) Execute() error {
	_, err := n.execute()
	return err
}

func (n *Command) execute() (bool, error) {
	if !n.IsWritable() {
		return false, nil
	}
	cv, err := n.commandValue()
	if err != nil {
		return false, err
	}
	if err := n.ev.writeInt(n.def.name, cv); err != nil {
		return false, asProtocol(err)
	}
	return true, nil
}

// IsDone はコマンドの完了を返す
//
// レジスタを読み戻して CommandValue のままであれば実行中とみなす。
// 読み戻せないコマンドは常に完了扱い。
func (n *Command) IsDone() (bool, error) {
	if !n.ev.accessOf(n.def.name, 0).Readable() {
		return true, nil
	}
	cv, err := n.commandValue()
	if err != nil {
		return false, err
	}
	v, err := n.ev.readInt(n.def.name)
	if err != nil {
		return false, asProtocol(err)
	}
	return v != cv, nil
}

// ExecuteAndWait はコマンドを起動し、完了するか ctx が終了するまで interval 間隔で IsDone を確認する
func (n *Command) ExecuteAndWait(ctx context.Context, interval time.Duration) error {
	ran, err := n.execute()
	if err != nil || !ran {
		return err
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := n.IsDone()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("コマンド %s の完了待ちを中断しました: %w", n.def.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// EnumEntry は列挙ノードの1エントリ
type EnumEntry struct {
	Name        string
	DisplayName string
	Code        int64

	def *def
}

// Enumeration は列挙ノード
type Enumeration struct {
	base
	entries []EnumEntry
}

// Entries は記述順の全エントリを返す
func (n *Enumeration) Entries() []EnumEntry {
	out := make([]EnumEntry, len(n.entries))
	copy(out, n.entries)
	return out
}

// EntryAvailable はエントリが現在選択可能かを返す
func (n *Enumeration) EntryAvailable(e EnumEntry) bool {
	if e.def == nil {
		return false
	}
	return n.ev.isImplemented(e.def) && n.ev.isAvailable(e.def)
}

// AvailableEntries は現在選択可能なエントリだけを返す
func (n *Enumeration) AvailableEntries() []EnumEntry {
	var out []EnumEntry
	for _, e := range n.entries {
		if n.EntryAvailable(e) {
			out = append(out, e)
		}
	}
	return out
}

// Value は現在の整数コードを返す
func (n *Enumeration) Value() (int64, error) {
	if !n.IsReadable() {
		return 0, n.notReadable()
	}
	v, err := n.ev.readInt(n.def.name)
	return v, asProtocol(err)
}

// CurrentEntry は現在のコードに対応するエントリを返す
func (n *Enumeration) CurrentEntry() (EnumEntry, error) {
	v, err := n.Value()
	if err != nil {
		return EnumEntry{}, err
	}
	for _, e := range n.entries {
		if e.Code == v {
			return e, nil
		}
	}
	return EnumEntry{}, fmt.Errorf("%w: %s の現在値 %d に対応するエントリがありません", ErrProtocol, n.def.name, v)
}

// SetValue は整数コードでエントリを選択する。書き込み不可の場合は何もしない
//
// 未知のコード、または現在選択できないエントリのコードは ErrRange を返す。
// 表示名による照合は行わない。
func (n *Enumeration) SetValue(code int64) error {
	_, err := n.set(code)
	return err
}

// SetEntry はエントリを選択する。照合はコードで行う
func (n *Enumeration) SetEntry(e EnumEntry) error {
	return n.SetValue(e.Code)
}

func (n *Enumeration) set(code int64) (bool, error) {
	if !n.IsWritable() {
		return false, nil
	}
	var found *EnumEntry
	for i := range n.entries {
		if n.entries[i].Code == code {
			found = &n.entries[i]
			break
		}
	}
	if found == nil {
		return false, fmt.Errorf("%w: %s に値 %d のエントリはありません", ErrRange, n.def.name, code)
	}
	if !n.EntryAvailable(*found) {
		return false, fmt.Errorf("%w: %s のエントリ %s は現在選択できません", ErrRange, n.def.name, found.Name)
	}
	if err := n.ev.writeInt(n.def.name, code); err != nil {
		return false, asProtocol(err)
	}
	return true, nil
}
