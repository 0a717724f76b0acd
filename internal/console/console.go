// Package console はカメラを端末から操作する対話型コンソール
//
// 選択中のデバイスに対して開閉・ストリーミング・機能の読み書きを行う。
// シミュレーションバスが与えられていれば、カメラの抜き差しもできる。
package console

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/image/bmp"

	"camviewer/internal/camera"
	"camviewer/internal/device/sim"
	"camviewer/internal/event"
	"camviewer/internal/genapi"
	"camviewer/internal/stream"
)

// errQuit はコンソールの終了要求
var errQuit = errors.New("quit")

// Options はコンソールの設定
type Options struct {
	Registry *camera.Registry
	// Events が非 nil ならデバイスの追加・削除と状態変化を表示する
	Events *event.Bus
	// Simulator が非 nil なら plug/unplug コマンドが使える
	Simulator *sim.Bus

	BufferCount    int
	CommandTimeout time.Duration

	// Stdin/Stdout が nil なら端末を使う
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console は対話型コンソール
type Console struct {
	opts Options
	rl   *readline.Instance
	out  io.Writer

	// ctx は start で開始した取得ループの寿命
	ctx context.Context
}

// New は readline を初期化したコンソールを作成する
func New(opts Options) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "camviewer> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           opts.Stdin,
		Stdout:          opts.Stdout,
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("readline の初期化に失敗: %w", err)
	}
	c := newConsole(opts, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(opts Options, out io.Writer) *Console {
	if opts.BufferCount < 1 {
		opts.BufferCount = 4
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = time.Second
	}
	return &Console{opts: opts, out: out, ctx: context.Background()}
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, cmd := range commands {
		items = append(items, readline.PcItem(cmd.name))
	}
	return readline.NewPrefixCompleter(items...)
}

// Stdout はプロンプトと干渉しない出力先を返す。ログ出力に使う
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run はコマンドループを実行する。quit か EOF で cancel を呼んで戻る
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	c.ctx = ctx

	if c.opts.Events != nil {
		events, unsubscribe := c.opts.Events.Subscribe(event.DefaultBuffer)
		defer unsubscribe()
		go c.printEvents(ctx, events)
	}

	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "終了します")
			cancel()
			return
		}

		if err := c.Execute(line); err != nil {
			if errors.Is(err, errQuit) {
				fmt.Fprintln(c.out, "終了します")
				cancel()
				return
			}
			fmt.Fprintf(c.out, "エラー: %v\n", err)
		}
	}
}

func (c *Console) printEvents(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case event.TypeDeviceAdded:
				fmt.Fprintf(c.out, "[追加] %s\n", e.Name)
			case event.TypeDeviceRemoved:
				fmt.Fprintf(c.out, "[削除] %s\n", e.Name)
			case event.TypeStateChanged:
				fmt.Fprintf(c.out, "[状態] %s: %s\n", shortID(e.DeviceID), e.State)
			}
		}
	}
}

type command struct {
	name  string
	usage string
	help  string
	run   func(c *Console, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"scan", "scan", "バスを再スキャンする", (*Console).cmdScan},
		{"list", "list", "デバイス一覧を表示する", (*Console).cmdList},
		{"select", "select <番号|ID>", "操作するデバイスを選択する", (*Console).cmdSelect},
		{"open", "open", "選択中のデバイスを開く", (*Console).cmdOpen},
		{"close", "close", "選択中のデバイスを閉じる", (*Console).cmdClose},
		{"start", "start [バッファ数]", "ストリーミングを開始する", (*Console).cmdStart},
		{"stop", "stop", "ストリーミングを停止する", (*Console).cmdStop},
		{"tree", "tree [all]", "パラメーターツリーを表示する", (*Console).cmdTree},
		{"get", "get <名前>", "ノードの値を表示する", (*Console).cmdGet},
		{"set", "set <名前> <値>", "ノードに値を書き込む（列挙は整数コード）", (*Console).cmdSet},
		{"exec", "exec <名前>", "コマンドノードを実行して完了を待つ", (*Console).cmdExec},
		{"expand", "expand <名前>", "カテゴリの展開を切り替える", (*Console).cmdExpand},
		{"frame", "frame [ファイル]", "最新フレームを表示する（.png/.bmp に保存）", (*Console).cmdFrame},
		{"stats", "stats", "最新フレームの統計を表示する", (*Console).cmdStats},
		{"plug", "plug <シリアル> [画素形式]", "シミュレーションカメラを接続する", (*Console).cmdPlug},
		{"unplug", "unplug <シリアル>", "シミュレーションカメラを外す", (*Console).cmdUnplug},
		{"help", "help", "このヘルプを表示する", func(c *Console, _ []string) error { c.printHelp(); return nil }},
		{"quit", "quit", "終了する", func(*Console, []string) error { return errQuit }},
	}
}

// Execute は1行のコマンドを実行する
func (c *Console) Execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(parts[0])
	switch name {
	case "?":
		name = "help"
	case "exit", "q":
		name = "quit"
	case "ls":
		name = "list"
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(c, parts[1:])
		}
	}
	return fmt.Errorf("不明なコマンド: %s（help でコマンド一覧）", name)
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "コマンド:")
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %-26s %s\n", cmd.usage, cmd.help)
	}
}

func (c *Console) selected() (*camera.Session, error) {
	s, ok := c.opts.Registry.Selected()
	if !ok {
		return nil, fmt.Errorf("デバイスが選択されていません: %w", camera.ErrNotFound)
	}
	return s, nil
}

func (c *Console) cmdScan([]string) error {
	result, err := c.opts.Registry.Scan(c.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "追加 %d 台、削除 %d 台\n", len(result.Added), len(result.Removed))
	return c.cmdList(nil)
}

func (c *Console) cmdList([]string) error {
	sessions := c.opts.Registry.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "デバイスがありません")
		return nil
	}
	selected, _ := c.opts.Registry.Selected()
	for i, s := range sessions {
		mark := " "
		if s == selected {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %d  %-32s %-9s %s\n", mark, i, s.Name(), s.State(), s.ID())
	}
	return nil
}

func (c *Console) cmdSelect(args []string) error {
	if len(args) != 1 {
		return errors.New("使い方: select <番号|ID>")
	}
	sessions := c.opts.Registry.Sessions()
	if i, err := strconv.Atoi(args[0]); err == nil {
		if i < 0 || i >= len(sessions) {
			return fmt.Errorf("番号 %d: %w", i, camera.ErrNotFound)
		}
		return c.opts.Registry.Select(sessions[i].ID())
	}
	id, err := camera.ParseDeviceID(args[0])
	if err != nil {
		return err
	}
	return c.opts.Registry.Select(id)
}

func (c *Console) cmdOpen([]string) error {
	s, err := c.selected()
	if err != nil {
		return err
	}
	return s.Open()
}

func (c *Console) cmdClose([]string) error {
	s, err := c.selected()
	if err != nil {
		return err
	}
	return s.Close()
}

func (c *Console) cmdStart(args []string) error {
	s, err := c.selected()
	if err != nil {
		return err
	}
	buffers := c.opts.BufferCount
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("バッファ数 %q は1以上の整数で指定してください", args[0])
		}
		buffers = n
	}
	return s.StartAcquisition(c.ctx, buffers)
}

func (c *Console) cmdStop([]string) error {
	s, err := c.selected()
	if err != nil {
		return err
	}
	return s.StopStreaming()
}

func (c *Console) tree() (*genapi.Tree, error) {
	s, err := c.selected()
	if err != nil {
		return nil, err
	}
	return s.Tree()
}

func (c *Console) cmdTree(args []string) error {
	tree, err := c.tree()
	if err != nil {
		return err
	}
	views := tree.Visible()
	if len(args) > 0 && args[0] == "all" {
		views = tree.Snapshot()
	}
	for _, v := range views {
		fmt.Fprintf(c.out, "%s%s\n", strings.Repeat("  ", v.Depth), formatView(v))
	}
	return nil
}

func (c *Console) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("使い方: get <名前>")
	}
	tree, err := c.tree()
	if err != nil {
		return err
	}
	_, p, ok := tree.Find(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", genapi.ErrNodeNotFound, args[0])
	}
	v, _ := tree.View(p)
	fmt.Fprintln(c.out, formatView(v))
	if v.ToolTip != "" {
		fmt.Fprintf(c.out, "  %s\n", v.ToolTip)
	}
	for _, e := range v.Entries {
		if e.Available {
			fmt.Fprintf(c.out, "  %d = %s\n", e.Code, e.DisplayName)
		}
	}
	return nil
}

func (c *Console) cmdSet(args []string) error {
	if len(args) < 2 {
		return errors.New("使い方: set <名前> <値>")
	}
	s, err := c.selected()
	if err != nil {
		return err
	}
	return s.SetFeature(args[0], strings.Join(args[1:], " "))
}

func (c *Console) cmdExec(args []string) error {
	if len(args) != 1 {
		return errors.New("使い方: exec <名前>")
	}
	s, err := c.selected()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CommandTimeout)
	defer cancel()
	if err := s.Execute(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s を実行しました\n", args[0])
	return nil
}

func (c *Console) cmdExpand(args []string) error {
	if len(args) != 1 {
		return errors.New("使い方: expand <名前>")
	}
	tree, err := c.tree()
	if err != nil {
		return err
	}
	return tree.UpdateByName(args[0], genapi.ToggleMsg())
}

func (c *Console) latestFrame() (*camera.Session, *stream.Frame, error) {
	s, err := c.selected()
	if err != nil {
		return nil, nil, err
	}
	f, ok := s.LatestFrame()
	if !ok {
		return nil, nil, errors.New("まだフレームを受信していません")
	}
	return s, f, nil
}

func (c *Console) cmdFrame(args []string) error {
	_, f, err := c.latestFrame()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "#%d %dx%d %s block=%d\n", f.Sequence, f.Width, f.Height, f.Source, f.BlockID)
	if len(args) == 0 {
		return nil
	}
	return saveFrame(f, args[0])
}

// saveFrame は拡張子に応じて PNG か BMP で保存する
func saveFrame(f *stream.Frame, path string) (err error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".bmp" {
		return fmt.Errorf("未対応の拡張子: %q", ext)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ファイル %s を作成できません: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if ext == ".bmp" {
		return bmp.Encode(file, f.RGBA())
	}
	return png.Encode(file, f.RGBA())
}

func (c *Console) cmdStats([]string) error {
	s, f, err := c.latestFrame()
	if err != nil {
		return err
	}
	st := stream.Analyze(f)
	ps := s.PipelineStats()
	fmt.Fprintf(c.out, "#%d 平均 %.1f 標準偏差 %.1f 最小 %.0f 最大 %.0f\n", st.Sequence, st.Mean, st.StdDev, st.Min, st.Max)
	fmt.Fprintf(c.out, "受信 %d 変換 %d 失敗 %d 通知破棄 %d %.1f fps\n", ps.Received, ps.Converted, ps.Failed, ps.Dropped, ps.FrameRate)
	return nil
}

func (c *Console) cmdPlug(args []string) error {
	if c.opts.Simulator == nil {
		return errors.New("シミュレーションバスがありません")
	}
	if len(args) < 1 {
		return errors.New("使い方: plug <シリアル> [画素形式]")
	}
	cfg := sim.Config{SerialNumber: args[0]}
	if len(args) > 1 {
		cfg.PixelFormat = args[1]
	}
	if _, err := c.opts.Simulator.Plug(cfg); err != nil {
		return err
	}
	return c.cmdScan(nil)
}

func (c *Console) cmdUnplug(args []string) error {
	if c.opts.Simulator == nil {
		return errors.New("シミュレーションバスがありません")
	}
	if len(args) != 1 {
		return errors.New("使い方: unplug <シリアル>")
	}
	if !c.opts.Simulator.Unplug(args[0]) {
		return fmt.Errorf("シリアル %s: %w", args[0], camera.ErrNotFound)
	}
	return c.cmdScan(nil)
}

// formatView はノード1行分の表示を作る
func formatView(v genapi.NodeView) string {
	if v.Kind == genapi.KindCategory.String() {
		mark := "+"
		if v.Expanded {
			mark = "-"
		}
		return fmt.Sprintf("%s %s", mark, v.DisplayName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", v.DisplayName, v.Name)
	switch {
	case v.Error != "":
		fmt.Fprintf(&b, ": <%s>", v.Error)
	case v.Kind == genapi.KindCommand.String():
		b.WriteString(": [実行]")
	case v.Entry != "":
		fmt.Fprintf(&b, ": %s", v.Entry)
	case v.Value != nil:
		fmt.Fprintf(&b, ": %v", v.Value)
	}
	if v.Unit != "" {
		fmt.Fprintf(&b, " %s", v.Unit)
	}
	if !v.Writable {
		b.WriteString(" [RO]")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
