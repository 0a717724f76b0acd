package genapi

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// RootName はツリー構築の起点となるカテゴリ名
const RootName = "Root"

// AccessMode はノードまたはレジスタのアクセスモード
type AccessMode uint8

const (
	AccessNA AccessMode = iota // アクセス不可
	AccessRO                   // 読み取り専用
	AccessWO                   // 書き込み専用
	AccessRW                   // 読み書き可能
)

// String はアクセスモードの記述ドキュメント上の表記を返す
func (a AccessMode) String() string {
	switch a {
	case AccessRO:
		return "RO"
	case AccessWO:
		return "WO"
	case AccessRW:
		return "RW"
	default:
		return "NA"
	}
}

// Readable は読み取りを許すモードかを返す
func (a AccessMode) Readable() bool { return a == AccessRO || a == AccessRW }

// Writable は書き込みを許すモードかを返す
func (a AccessMode) Writable() bool { return a == AccessWO || a == AccessRW }

// intersect は両方のモードが許す操作だけを許すモードを返す
func (a AccessMode) intersect(b AccessMode) AccessMode {
	r := a.Readable() && b.Readable()
	w := a.Writable() && b.Writable()
	switch {
	case r && w:
		return AccessRW
	case r:
		return AccessRO
	case w:
		return AccessWO
	default:
		return AccessNA
	}
}

func parseAccessMode(s string) (AccessMode, error) {
	switch strings.ToUpper(s) {
	case "RO":
		return AccessRO, nil
	case "WO":
		return AccessWO, nil
	case "RW":
		return AccessRW, nil
	case "NA":
		return AccessNA, nil
	default:
		return AccessNA, fmt.Errorf("不明なアクセスモード %q", s)
	}
}

// defKind は記述ドキュメント上の要素種別
type defKind uint8

const (
	defUnknown defKind = iota
	defCategory
	defBoolean
	defInteger
	defFloat
	defEnumeration
	defEnumEntry
	defString
	defCommand
	defIntReg
	defMaskedIntReg
	defFloatReg
	defStringReg
)

var defKindsByElement = map[string]defKind{
	"Category":     defCategory,
	"Boolean":      defBoolean,
	"Integer":      defInteger,
	"Float":        defFloat,
	"Enumeration":  defEnumeration,
	"String":       defString,
	"Command":      defCommand,
	"IntReg":       defIntReg,
	"MaskedIntReg": defMaskedIntReg,
	"FloatReg":     defFloatReg,
	"StringReg":    defStringReg,
}

func (k defKind) isRegister() bool {
	return k == defIntReg || k == defMaskedIntReg || k == defFloatReg || k == defStringReg
}

// intRef は定数、または他ノードへの参照で与えられる整数値
type intRef struct {
	node  string
	value int64
	set   bool
}

// floatRef は定数、または他ノードへの参照で与えられる浮動小数点値
type floatRef struct {
	node  string
	value float64
	set   bool
}

// def は記述ドキュメントの1要素を解析したもの
type def struct {
	kind    defKind
	element string
	name    string

	displayName string
	toolTip     string
	description string
	visibility  string

	imposed      AccessMode // ImposedAccessMode（機能ノード）
	pImplemented string
	pAvailable   string
	pLocked      string

	pValue     string
	intValue   intRef
	floatValue floatRef

	min, max, inc    intRef
	fmin, fmax, finc floatRef
	unit             string

	onValue, offValue int64
	commandValue      intRef

	features   []string // Category の pFeature（記述順）
	entries    []*def   // Enumeration の EnumEntry（記述順）
	entryValue int64

	address uint64
	length  int
	access  AccessMode // レジスタの AccessMode
	little  bool
	signed  bool
	lsb     int
	msb     int
}

// label は表示名（未設定ならノード名）を返す
func (d *def) label() string {
	if d.displayName != "" {
		return d.displayName
	}
	return d.name
}

// Description は解析済みの機能記述ドキュメント
type Description struct {
	ModelName  string
	VendorName string

	defs  map[string]*def
	order []string
}

// Len は定義されたノード数を返す
func (d *Description) Len() int { return len(d.order) }

// Has は name のノードが定義されているかを返す
func (d *Description) Has(name string) bool {
	_, ok := d.defs[name]
	return ok
}

// Names は定義順のノード名一覧を返す
func (d *Description) Names() []string {
	names := make([]string, len(d.order))
	copy(names, d.order)
	return names
}

// element は汎用の XML 要素
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []element  `xml:",any"`
}

func (e *element) attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (e *element) text(name string) string {
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			return strings.TrimSpace(e.Children[i].Text)
		}
	}
	return ""
}

func (e *element) texts(name string) []string {
	var out []string
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			out = append(out, strings.TrimSpace(e.Children[i].Text))
		}
	}
	return out
}

func (e *element) has(name string) bool {
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			return true
		}
	}
	return false
}

// ParseDescription は機能記述ドキュメントを解析する
//
// XML として不正な場合、必須属性の欠落、数値の書式誤り、名前の重複は
// ErrProtocol を返す。未知の要素は defUnknown として保持し、ツリー構築時に読み飛ばす。
func ParseDescription(doc []byte) (*Description, error) {
	var root element
	if err := xml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: 記述ドキュメントの解析に失敗しました: %w", ErrProtocol, err)
	}
	if root.XMLName.Local != "RegisterDescription" {
		return nil, fmt.Errorf("%w: ルート要素 %q は RegisterDescription ではありません", ErrProtocol, root.XMLName.Local)
	}

	desc := &Description{
		ModelName:  root.attr("ModelName"),
		VendorName: root.attr("VendorName"),
		defs:       make(map[string]*def),
	}
	if err := desc.collect(root.Children); err != nil {
		return nil, err
	}
	return desc, nil
}

func (d *Description) collect(elems []element) error {
	for i := range elems {
		e := &elems[i]
		// Group は整理用のまとまりで、中身をそのまま展開する
		if e.XMLName.Local == "Group" {
			if err := d.collect(e.Children); err != nil {
				return err
			}
			continue
		}

		nd, err := parseDef(e)
		if err != nil {
			return err
		}
		if _, dup := d.defs[nd.name]; dup {
			return fmt.Errorf("%w: ノード名 %q が重複しています", ErrProtocol, nd.name)
		}
		d.defs[nd.name] = nd
		d.order = append(d.order, nd.name)
	}
	return nil
}

func parseDef(e *element) (*def, error) {
	d := &def{
		kind:     defKindsByElement[e.XMLName.Local],
		element:  e.XMLName.Local,
		name:     e.attr("Name"),
		imposed:  AccessRW,
		access:   AccessRW,
		little:   true,
		onValue:  1,
		offValue: 0,
	}
	if d.name == "" {
		return nil, fmt.Errorf("%w: %s 要素に Name 属性がありません", ErrProtocol, d.element)
	}
	if d.kind == defUnknown {
		return d, nil
	}

	p := &defParser{e: e, d: d}
	p.common()
	switch d.kind {
	case defCategory:
		d.features = e.texts("pFeature")
	case defBoolean:
		d.pValue = e.text("pValue")
		p.integer("OnValue", &d.onValue)
		p.integer("OffValue", &d.offValue)
	case defInteger:
		d.pValue = e.text("pValue")
		p.intRef("Value", "", &d.intValue)
		p.intRef("Min", "pMin", &d.min)
		p.intRef("Max", "pMax", &d.max)
		p.intRef("Inc", "pInc", &d.inc)
		d.unit = e.text("Unit")
	case defFloat:
		d.pValue = e.text("pValue")
		p.floatRef("Value", "", &d.floatValue)
		p.floatRef("Min", "pMin", &d.fmin)
		p.floatRef("Max", "pMax", &d.fmax)
		p.floatRef("Inc", "pInc", &d.finc)
		d.unit = e.text("Unit")
	case defEnumeration:
		d.pValue = e.text("pValue")
		for i := range e.Children {
			c := &e.Children[i]
			if c.XMLName.Local != "EnumEntry" {
				continue
			}
			entry, err := parseEntry(c)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.name, err)
			}
			d.entries = append(d.entries, entry)
		}
	case defString:
		d.pValue = e.text("pValue")
	case defCommand:
		d.pValue = e.text("pValue")
		p.intRef("CommandValue", "pCommandValue", &d.commandValue)
	case defIntReg, defMaskedIntReg, defFloatReg, defStringReg:
		p.register()
	}

	if p.err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrProtocol, d.element, d.name, p.err)
	}
	if d.pValue == "" && (d.kind == defBoolean || d.kind == defEnumeration || d.kind == defCommand || d.kind == defString) {
		return nil, fmt.Errorf("%w: %s %q に pValue がありません", ErrProtocol, d.element, d.name)
	}
	return d, nil
}

func parseEntry(e *element) (*def, error) {
	d := &def{
		kind:    defEnumEntry,
		element: "EnumEntry",
		name:    e.attr("Name"),
		imposed: AccessRO,
	}
	if d.name == "" {
		return nil, fmt.Errorf("%w: EnumEntry 要素に Name 属性がありません", ErrProtocol)
	}
	p := &defParser{e: e, d: d}
	p.common()
	if !e.has("Value") {
		return nil, fmt.Errorf("%w: EnumEntry %q に Value がありません", ErrProtocol, d.name)
	}
	p.integer("Value", &d.entryValue)
	if p.err != nil {
		return nil, fmt.Errorf("%w: EnumEntry %q: %w", ErrProtocol, d.name, p.err)
	}
	return d, nil
}

// defParser は最初のエラーを保持しながら子要素を読み取る
type defParser struct {
	e   *element
	d   *def
	err error
}

func (p *defParser) common() {
	d := p.d
	d.displayName = p.e.text("DisplayName")
	d.toolTip = p.e.text("ToolTip")
	d.description = p.e.text("Description")
	d.visibility = p.e.text("Visibility")
	d.pImplemented = p.e.text("pIsImplemented")
	d.pAvailable = p.e.text("pIsAvailable")
	d.pLocked = p.e.text("pIsLocked")
	if s := p.e.text("ImposedAccessMode"); s != "" {
		p.access(s, &d.imposed)
	}
}

func (p *defParser) access(s string, dst *AccessMode) {
	if p.err != nil {
		return
	}
	a, err := parseAccessMode(s)
	if err != nil {
		p.err = err
		return
	}
	*dst = a
}

func (p *defParser) integer(name string, dst *int64) {
	s := p.e.text(name)
	if s == "" || p.err != nil {
		return
	}
	v, err := parseInt(s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	*dst = v
}

func (p *defParser) intRef(name, pname string, dst *intRef) {
	if pname != "" {
		if s := p.e.text(pname); s != "" {
			dst.node = s
			return
		}
	}
	if !p.e.has(name) {
		return
	}
	p.integer(name, &dst.value)
	dst.set = true
}

func (p *defParser) floatRef(name, pname string, dst *floatRef) {
	if pname != "" {
		if s := p.e.text(pname); s != "" {
			dst.node = s
			return
		}
	}
	s := p.e.text(name)
	if s == "" || p.err != nil {
		return
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	dst.value = v
	dst.set = true
}

func (p *defParser) register() {
	d := p.d
	e := p.e

	addr := e.text("Address")
	if addr == "" {
		p.err = fmt.Errorf("Address がありません")
		return
	}
	a, err := strconv.ParseUint(addr, 0, 64)
	if err != nil {
		p.err = fmt.Errorf("Address: %w", err)
		return
	}
	d.address = a

	var length int64
	p.integer("Length", &length)
	if p.err != nil {
		return
	}
	d.length = int(length)

	if s := e.text("AccessMode"); s != "" {
		p.access(s, &d.access)
	}
	switch e.text("Endianess") {
	case "", "LittleEndian":
		d.little = true
	case "BigEndian":
		d.little = false
	default:
		p.err = fmt.Errorf("不明なエンディアン %q", e.text("Endianess"))
		return
	}
	switch e.text("Sign") {
	case "", "Unsigned":
		d.signed = false
	case "Signed":
		d.signed = true
	default:
		p.err = fmt.Errorf("不明な Sign %q", e.text("Sign"))
		return
	}

	switch d.kind {
	case defIntReg, defMaskedIntReg:
		if d.length < 1 || d.length > 8 {
			p.err = fmt.Errorf("整数レジスタの長さ %d は 1〜8 である必要があります", d.length)
			return
		}
	case defFloatReg:
		if d.length != 4 && d.length != 8 {
			p.err = fmt.Errorf("浮動小数点レジスタの長さ %d は 4 または 8 である必要があります", d.length)
			return
		}
	case defStringReg:
		if d.length < 1 {
			p.err = fmt.Errorf("文字列レジスタの長さ %d が不正です", d.length)
			return
		}
	}

	if d.kind == defMaskedIntReg {
		var lsb, msb int64
		if bit := e.text("Bit"); bit != "" {
			p.integer("Bit", &lsb)
			msb = lsb
		} else {
			p.integer("LSB", &lsb)
			p.integer("MSB", &msb)
		}
		if p.err != nil {
			return
		}
		if lsb < 0 || msb < lsb || msb >= int64(d.length*8) {
			p.err = fmt.Errorf("ビット範囲 LSB=%d MSB=%d が不正です", lsb, msb)
			return
		}
		d.lsb, d.msb = int(lsb), int(msb)
	}
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err == nil {
		return v, nil
	}
	// 0xFFFFFFFFFFFFFFFF のような符号なし表記
	u, uerr := strconv.ParseUint(s, 0, 64)
	if uerr != nil {
		return 0, err
	}
	return int64(u), nil
}
