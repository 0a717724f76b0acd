package genapi

// NodeView は1回の表示サイクルで評価したノードの状態
type NodeView struct {
	Path        string      `json:"path"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	ToolTip     string      `json:"tooltip,omitempty"`
	Kind        string      `json:"kind"`
	Depth       int         `json:"depth"`
	Readable    bool        `json:"readable"`
	Writable    bool        `json:"writable"`
	Value       any         `json:"value,omitempty"`
	Entry       string      `json:"entry,omitempty"`
	Unit        string      `json:"unit,omitempty"`
	Min         any         `json:"min,omitempty"`
	Max         any         `json:"max,omitempty"`
	Inc         any         `json:"inc,omitempty"`
	Entries     []EntryView `json:"entries,omitempty"`
	Expanded    bool        `json:"expanded,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// EntryView は列挙エントリの表示用情報
type EntryView struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Code        int64  `json:"code"`
	Available   bool   `json:"available"`
}

// Snapshot は全ノードを評価した表示用ビューを記述順に返す
func (t *Tree) Snapshot() []NodeView {
	return t.snapshot(false)
}

// Visible は展開中のカテゴリ配下だけを評価したビューを返す
func (t *Tree) Visible() []NodeView {
	return t.snapshot(true)
}

func (t *Tree) snapshot(visibleOnly bool) []NodeView {
	t.mu.Lock()
	defer t.mu.Unlock()

	views := make([]NodeView, 0, t.size)
	t.Walk(func(p Path, n *Node) bool {
		views = append(views, t.view(p, n))
		if n.Kind == KindCategory && visibleOnly {
			return n.Category.Expanded()
		}
		return true
	})
	return views
}

// View はノード1つを評価する
func (t *Tree) View(p Path) (NodeView, bool) {
	n, ok := t.Lookup(p)
	if !ok {
		return NodeView{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(p, n), true
}

func (t *Tree) view(p Path, n *Node) NodeView {
	v := NodeView{
		Path:        p.String(),
		Name:        n.Name(),
		DisplayName: n.DisplayName(),
		ToolTip:     n.ToolTip(),
		Kind:        n.Kind.String(),
		Depth:       len(p) - 1,
	}
	if n.Kind == KindCategory {
		v.Expanded = n.Category.Expanded()
		return v
	}

	v.Readable = n.IsReadable()
	v.Writable = n.IsWritable()

	var err error
	switch n.Kind {
	case KindBoolean:
		if v.Readable {
			v.Value, err = n.Boolean.Value()
		}
	case KindInteger:
		node := n.Integer
		v.Unit = node.Unit()
		if v.Readable {
			v.Value, err = node.Value()
		}
		if lo, e := node.Min(); e == nil {
			v.Min = lo
		}
		if hi, e := node.Max(); e == nil {
			v.Max = hi
		}
		if inc, e := node.Inc(); e == nil && inc > 1 {
			v.Inc = inc
		}
	case KindFloat:
		node := n.Float
		v.Unit = node.Unit()
		if v.Readable {
			v.Value, err = node.Value()
		}
		if lo, e := node.Min(); e == nil {
			v.Min = lo
		}
		if hi, e := node.Max(); e == nil {
			v.Max = hi
		}
		if inc, ok, e := node.Inc(); e == nil && ok {
			v.Inc = inc
		}
	case KindEnumeration:
		node := n.Enumeration
		for _, e := range node.entries {
			v.Entries = append(v.Entries, EntryView{
				Name:        e.Name,
				DisplayName: e.DisplayName,
				Code:        e.Code,
				Available:   node.EntryAvailable(e),
			})
		}
		if v.Readable {
			var cur EnumEntry
			cur, err = node.CurrentEntry()
			if err == nil {
				v.Value = cur.Code
				v.Entry = cur.Name
			}
		}
	case KindString:
		if v.Readable {
			v.Value, err = n.String.Value()
		}
	case KindCommand:
		if done, e := n.Command.IsDone(); e == nil {
			v.Value = done
		} else {
			err = e
		}
	}
	if err != nil {
		v.Value = nil
		v.Error = err.Error()
	}
	return v
}
