package genapi

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// chunkPrefix で始まる機能はチャンクデータのメタデータで、ツリーに載せない
const chunkPrefix = "Chunk"

// maxCategoryDepth はカテゴリの入れ子の上限
const maxCategoryDepth = 32

// Path はルートからの子インデックス列によるノードの位置。空のパスはルート
type Path []int

// String は "0/2/1" 形式の表記を返す
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "/")
}

// child は p の末尾に i を加えた新しいパスを返す
func (p Path) child(i int) Path {
	c := make(Path, len(p)+1)
	copy(c, p)
	c[len(p)] = i
	return c
}

// ParsePath は "0/2/1" 形式のパスを解析する
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return Path{}, nil
	}
	parts := strings.Split(s, "/")
	p := make(Path, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("パス %q の要素 %q が不正です", s, part)
		}
		p[i] = v
	}
	return p, nil
}

// Change はノードへの書き込みが反映されたことを表す
type Change struct {
	Path  Path
	Name  string
	Kind  Kind
	Value any // 書き込んだ値。Command と Category では nil
}

// Tree は Root カテゴリから構築したパラメータツリー
//
// ツリーの形は構築後に変わらない。Update と Snapshot は互いに直列化される。
type Tree struct {
	root   *Node
	ev     *evaluator
	logger *slog.Logger
	size   int

	mu sync.Mutex // Update / Snapshot を直列化

	obsMu     sync.RWMutex
	observers []func(Change)
}

// Load は記述ドキュメントを解析してツリーを構築する
func Load(doc []byte, port Port, logger *slog.Logger) (*Tree, error) {
	desc, err := ParseDescription(doc)
	if err != nil {
		return nil, err
	}
	return NewTree(desc, port, logger)
}

// NewTree は解析済みの記述から Root カテゴリ以下のツリーを構築する
//
// Root カテゴリがない場合は ErrInternal を返す。名前が Chunk で始まる機能と
// 未知の種別の要素は読み飛ばす。
func NewTree(desc *Description, port Port, logger *slog.Logger) (*Tree, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rootDef, ok := desc.defs[RootName]
	if !ok || rootDef.kind != defCategory {
		return nil, fmt.Errorf("%w: %s カテゴリが記述ドキュメントにありません", ErrInternal, RootName)
	}

	t := &Tree{
		ev:     &evaluator{defs: desc.defs, port: port},
		logger: logger,
	}
	root, err := t.build(rootDef, 0)
	if err != nil {
		return nil, err
	}
	root.Category.Expand()
	t.root = root
	return t, nil
}

func (t *Tree) build(d *def, depth int) (*Node, error) {
	kind, ok := kindOf(d)
	if !ok {
		return nil, nil
	}
	b := &base{ev: t.ev, def: d}
	n := &Node{Kind: kind, b: b}

	switch kind {
	case KindCategory:
		if depth > maxCategoryDepth {
			return nil, fmt.Errorf("%w: カテゴリ %s の入れ子が深すぎます", ErrProtocol, d.name)
		}
		c := &Category{base: *b}
		for _, name := range d.features {
			if strings.HasPrefix(name, chunkPrefix) {
				continue
			}
			cd, ok := t.ev.defs[name]
			if !ok {
				t.logger.Warn("カテゴリが未定義の機能を参照しています", "category", d.name, "feature", name)
				continue
			}
			child, err := t.build(cd, depth+1)
			if err != nil {
				return nil, err
			}
			if child == nil {
				t.logger.Debug("未対応の種別の機能を読み飛ばしました", "feature", name, "element", cd.element)
				continue
			}
			c.children = append(c.children, child)
		}
		n.Category = c
		n.b = &c.base
	case KindBoolean:
		n.Boolean = &Boolean{base: *b}
		n.b = &n.Boolean.base
	case KindInteger:
		n.Integer = &Integer{base: *b}
		n.b = &n.Integer.base
	case KindFloat:
		n.Float = &Float{base: *b}
		n.b = &n.Float.base
	case KindEnumeration:
		e := &Enumeration{base: *b}
		for _, ed := range d.entries {
			e.entries = append(e.entries, EnumEntry{
				Name:        ed.name,
				DisplayName: ed.label(),
				Code:        ed.entryValue,
				def:         ed,
			})
		}
		n.Enumeration = e
		n.b = &e.base
	case KindString:
		n.String = &String{base: *b}
		n.b = &n.String.base
	case KindCommand:
		n.Command = &Command{base: *b}
		n.b = &n.Command.base
	}
	t.size++
	return n, nil
}

// Root はルートカテゴリを返す
func (t *Tree) Root() *Node { return t.root }

// Len はルートを含むノード数を返す
func (t *Tree) Len() int { return t.size }

// Lookup はパスのノードを返す
func (t *Tree) Lookup(p Path) (*Node, bool) {
	n := t.root
	for _, i := range p {
		if n.Kind != KindCategory || i < 0 || i >= len(n.Category.children) {
			return nil, false
		}
		n = n.Category.children[i]
	}
	return n, true
}

// Find は名前が一致する最初のノードを深さ優先で探す
func (t *Tree) Find(name string) (*Node, Path, bool) {
	var (
		found *Node
		at    Path
	)
	t.Walk(func(p Path, n *Node) bool {
		if found != nil {
			return false
		}
		if n.Name() == name {
			found, at = n, p
			return false
		}
		return true
	})
	return found, at, found != nil
}

// Walk はルート以外の全ノードを記述順に深さ優先でたどる。
// fn が false を返したカテゴリの子はたどらない
func (t *Tree) Walk(fn func(p Path, n *Node) bool) {
	var walk func(p Path, n *Node)
	walk = func(p Path, n *Node) {
		for i, c := range n.Category.children {
			cp := p.child(i)
			if fn(cp, c) && c.Kind == KindCategory {
				walk(cp, c)
			}
		}
	}
	walk(Path{}, t.root)
}

// OnChange は値の書き込みを通知するオブザーバを登録する
func (t *Tree) OnChange(fn func(Change)) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, fn)
}

func (t *Tree) notify(c Change) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, fn := range t.observers {
		fn(c)
	}
}

// Update はパスのノードにメッセージを適用する
//
// メッセージの種別がノードの種別と一致しない場合は何もせず nil を返す。
// 書き込み不可のノードへの書き込みも nil を返す。
func (t *Tree) Update(p Path, msg Msg) error {
	n, ok := t.Lookup(p)
	if !ok {
		return fmt.Errorf("%w: パス %q", ErrNodeNotFound, p.String())
	}
	if n.Kind != msg.Kind {
		return nil
	}

	t.mu.Lock()
	var (
		applied bool
		value   any
		err     error
	)
	switch n.Kind {
	case KindCategory:
		n.Category.Toggle()
	case KindBoolean:
		applied, err = n.Boolean.set(msg.Bool)
		value = msg.Bool
	case KindInteger:
		applied, err = n.Integer.set(msg.Int)
		value = msg.Int
	case KindFloat:
		applied, err = n.Float.set(msg.Float)
		value = msg.Float
	case KindEnumeration:
		applied, err = n.Enumeration.set(msg.Int)
		value = msg.Int
	case KindString:
		applied, err = n.String.set(msg.Str)
		value = msg.Str
	case KindCommand:
		applied, err = n.Command.execute()
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if applied {
		t.notify(Change{Path: p, Name: n.Name(), Kind: n.Kind, Value: value})
	}
	return nil
}

// UpdateByName は名前で探したノードにメッセージを適用する
func (t *Tree) UpdateByName(name string, msg Msg) error {
	_, p, ok := t.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return t.Update(p, msg)
}
