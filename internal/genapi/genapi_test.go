package genapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDescription = `<?xml version="1.0" encoding="UTF-8"?>
<RegisterDescription ModelName="TestCam" VendorName="Acme">
  <Category Name="Root">
    <pFeature>ImageFormatControl</pFeature>
    <pFeature>AcquisitionControl</pFeature>
    <pFeature>DeviceUserID</pFeature>
    <pFeature>ChunkModeActive</pFeature>
    <pFeature>Mystery</pFeature>
  </Category>
  <Category Name="ImageFormatControl">
    <pFeature>Width</pFeature>
    <pFeature>WidthMax</pFeature>
    <pFeature>PixelFormat</pFeature>
    <pFeature>ReverseX</pFeature>
  </Category>
  <Category Name="AcquisitionControl">
    <pFeature>ExposureTime</pFeature>
    <pFeature>AcquisitionStart</pFeature>
    <pFeature>Gain</pFeature>
    <pFeature>TriggerKey</pFeature>
  </Category>
  <Integer Name="Width">
    <DisplayName>Image Width</DisplayName>
    <pIsLocked>TLParamsLocked</pIsLocked>
    <pValue>WidthReg</pValue>
    <Min>16</Min>
    <pMax>WidthMax</pMax>
    <Inc>4</Inc>
    <Unit>px</Unit>
  </Integer>
  <IntReg Name="WidthReg">
    <Address>0x100</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
  </IntReg>
  <Integer Name="WidthMax">
    <pValue>WidthMaxReg</pValue>
  </Integer>
  <IntReg Name="WidthMaxReg">
    <Address>0x104</Address>
    <Length>4</Length>
    <AccessMode>RO</AccessMode>
  </IntReg>
  <Integer Name="TLParamsLocked">
    <pValue>TLParamsLockedReg</pValue>
  </Integer>
  <IntReg Name="TLParamsLockedReg">
    <Address>0x108</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
  </IntReg>
  <Enumeration Name="PixelFormat">
    <pValue>PixelFormatReg</pValue>
    <EnumEntry Name="Mono8">
      <DisplayName>Mono 8</DisplayName>
      <Value>0x01080001</Value>
    </EnumEntry>
    <EnumEntry Name="BayerRG8">
      <pIsAvailable>ColorAvailable</pIsAvailable>
      <Value>0x01080009</Value>
    </EnumEntry>
    <EnumEntry Name="Mono16">
      <Value>0x01100007</Value>
    </EnumEntry>
  </Enumeration>
  <IntReg Name="PixelFormatReg">
    <Address>0x10C</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
  </IntReg>
  <Integer Name="ColorAvailable">
    <Value>0</Value>
  </Integer>
  <Boolean Name="ReverseX">
    <pValue>ReverseXReg</pValue>
  </Boolean>
  <MaskedIntReg Name="ReverseXReg">
    <Address>0x110</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
    <Bit>3</Bit>
  </MaskedIntReg>
  <Float Name="ExposureTime">
    <pValue>ExposureTimeReg</pValue>
    <Min>10</Min>
    <Max>100000</Max>
    <Unit>us</Unit>
  </Float>
  <FloatReg Name="ExposureTimeReg">
    <Address>0x120</Address>
    <Length>8</Length>
    <AccessMode>RW</AccessMode>
  </FloatReg>
  <Command Name="AcquisitionStart">
    <pValue>AcquisitionStartReg</pValue>
    <CommandValue>1</CommandValue>
  </Command>
  <IntReg Name="AcquisitionStartReg">
    <Address>0x130</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
  </IntReg>
  <Integer Name="Gain">
    <ImposedAccessMode>RO</ImposedAccessMode>
    <pValue>GainReg</pValue>
  </Integer>
  <IntReg Name="GainReg">
    <Address>0x134</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
    <Endianess>BigEndian</Endianess>
    <Sign>Signed</Sign>
  </IntReg>
  <Integer Name="TriggerKey">
    <pValue>TriggerKeyReg</pValue>
  </Integer>
  <IntReg Name="TriggerKeyReg">
    <Address>0x138</Address>
    <Length>4</Length>
    <AccessMode>WO</AccessMode>
  </IntReg>
  <StringReg Name="DeviceUserID">
    <Address>0x140</Address>
    <Length>8</Length>
    <AccessMode>RW</AccessMode>
  </StringReg>
  <Boolean Name="ChunkModeActive">
    <pValue>ChunkReg</pValue>
  </Boolean>
  <IntReg Name="ChunkReg">
    <Address>0x150</Address>
    <Length>4</Length>
    <AccessMode>RW</AccessMode>
  </IntReg>
  <Group Comment="misc">
    <SwissKnife Name="Mystery"/>
  </Group>
  <Port Name="Device"/>
</RegisterDescription>`

// memPort はバイト単位のメモリで Port を模擬する
type memPort struct {
	mu        sync.Mutex
	mem       map[uint64]byte
	reads     int
	writes    int
	failRead  bool
	failWrite bool
	onRead    func(m *memPort, addr uint64)
}

func newMemPort() *memPort {
	return &memPort{mem: make(map[uint64]byte)}
}

func (m *memPort) Read(addr uint64, length int) ([]byte, error) {
	m.mu.Lock()
	if m.failRead {
		m.mu.Unlock()
		return nil, errors.New("bus error")
	}
	m.reads++
	hook := m.onRead
	m.mu.Unlock()
	if hook != nil {
		hook(m, addr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := make([]byte, length)
	for i := range b {
		b[i] = m.mem[addr+uint64(i)]
	}
	return b, nil
}

func (m *memPort) Write(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("bus error")
	}
	m.writes++
	for i, c := range data {
		m.mem[addr+uint64(i)] = c
	}
	return nil
}

func (m *memPort) put(addr uint64, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range b {
		m.mem[addr+uint64(i)] = c
	}
}

func (m *memPort) putU32(addr uint64, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	m.put(addr, b)
}

func (m *memPort) u32(addr uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := make([]byte, 4)
	for i := range b {
		b[i] = m.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint32(b)
}

func (m *memPort) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func newTestTree(t *testing.T) (*Tree, *memPort) {
	t.Helper()
	port := newMemPort()
	port.putU32(0x100, 640)
	port.putU32(0x104, 640)
	port.putU32(0x10C, 0x01080001)
	port.putU32(0x110, 0x01)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(5000))
	port.put(0x120, b)
	port.put(0x134, []byte{0xFF, 0xFF, 0xFF, 0xFE})

	tree, err := Load([]byte(testDescription), port, nil)
	require.NoError(t, err)
	return tree, port
}

func mustFind(t *testing.T, tree *Tree, name string) (*Node, Path) {
	t.Helper()
	n, p, ok := tree.Find(name)
	require.True(t, ok, "node %s not found", name)
	return n, p
}

func TestParseDescription_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed xml", `<RegisterDescription><Category Name="Root">`},
		{"wrong root element", `<Description><Category Name="Root"/></Description>`},
		{"missing name", `<RegisterDescription><Integer><Value>1</Value></Integer></RegisterDescription>`},
		{"duplicate name", `<RegisterDescription><Category Name="Root"/><Category Name="Root"/></RegisterDescription>`},
		{"bad number", `<RegisterDescription><Integer Name="X"><Value>abc</Value></Integer></RegisterDescription>`},
		{"enumeration without pValue", `<RegisterDescription><Enumeration Name="E"/></RegisterDescription>`},
		{"register without address", `<RegisterDescription><IntReg Name="R"><Length>4</Length></IntReg></RegisterDescription>`},
		{"float register with bad length", `<RegisterDescription><FloatReg Name="F"><Address>0</Address><Length>2</Length></FloatReg></RegisterDescription>`},
		{"masked bits out of range", `<RegisterDescription><MaskedIntReg Name="M"><Address>0</Address><Length>1</Length><LSB>4</LSB><MSB>9</MSB></MaskedIntReg></RegisterDescription>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDescription([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestParseDescription_Metadata(t *testing.T) {
	desc, err := ParseDescription([]byte(testDescription))
	require.NoError(t, err)
	assert.Equal(t, "TestCam", desc.ModelName)
	assert.Equal(t, "Acme", desc.VendorName)
	assert.True(t, desc.Has("Mystery"), "elements inside Group must be collected")
	assert.False(t, desc.Has("Nothing"))
	assert.Equal(t, "Root", desc.Names()[0])
}

func TestNewTree_MissingRoot(t *testing.T) {
	desc, err := ParseDescription([]byte(`<RegisterDescription><Category Name="Other"/></RegisterDescription>`))
	require.NoError(t, err)

	_, err = NewTree(desc, newMemPort(), nil)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestNewTree_Shape(t *testing.T) {
	tree, _ := newTestTree(t)

	root := tree.Root()
	require.Equal(t, KindCategory, root.Kind)
	assert.True(t, root.Category.Expanded())

	var names []string
	for _, c := range root.Category.Children() {
		names = append(names, c.Name())
	}
	// Chunk 機能と未知の種別は読み飛ばされ、記述順は保たれる
	assert.Equal(t, []string{"ImageFormatControl", "AcquisitionControl", "DeviceUserID"}, names)
	assert.Equal(t, 12, tree.Len())

	n, ok := tree.Lookup(Path{0, 2})
	require.True(t, ok)
	assert.Equal(t, "PixelFormat", n.Name())
	assert.Equal(t, KindEnumeration, n.Kind)

	_, ok = tree.Lookup(Path{0, 9})
	assert.False(t, ok)
	_, ok = tree.Lookup(Path{0, 0, 0})
	assert.False(t, ok, "path through a leaf must fail")

	dev, p := mustFind(t, tree, "DeviceUserID")
	assert.Equal(t, KindString, dev.Kind)
	assert.Equal(t, Path{2}, p)
}

func TestInteger(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "Width")
	w := n.Integer

	assert.Equal(t, "Image Width", n.DisplayName())
	assert.Equal(t, "px", w.Unit())
	assert.True(t, w.IsReadable())
	assert.True(t, w.IsWritable())

	v, err := w.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(640), v)

	hi, err := w.Max()
	require.NoError(t, err)
	assert.Equal(t, int64(640), hi, "pMax must be evaluated from the device")

	require.NoError(t, w.SetValue(320))
	assert.Equal(t, uint32(320), port.u32(0x100))

	assert.ErrorIs(t, w.SetValue(644), ErrRange)
	assert.ErrorIs(t, w.SetValue(8), ErrRange)
	assert.ErrorIs(t, w.SetValue(321), ErrRange, "value off the increment grid")
	assert.Equal(t, uint32(320), port.u32(0x100))

	// 最大値レジスタを変えると範囲も変わる
	port.putU32(0x104, 1280)
	require.NoError(t, w.SetValue(1024))
	assert.Equal(t, uint32(1024), port.u32(0x100))
}

func TestInteger_LockIsEvaluatedLive(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "Width")

	port.putU32(0x108, 1)
	assert.False(t, n.IsWritable())
	assert.True(t, n.IsReadable())

	before := port.writeCount()
	assert.NoError(t, n.Integer.SetValue(100), "write to a locked node must be a silent no-op")
	assert.Equal(t, before, port.writeCount())
	assert.Equal(t, uint32(640), port.u32(0x100))

	port.putU32(0x108, 0)
	assert.True(t, n.IsWritable())
}

func TestInteger_ImposedReadOnlyAndSignedBigEndian(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "Gain")

	v, err := n.Integer.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(-2), v)

	assert.False(t, n.IsWritable())
	before := port.writeCount()
	assert.NoError(t, n.Integer.SetValue(5))
	assert.Equal(t, before, port.writeCount())
}

func TestValue_Errors(t *testing.T) {
	tree, port := newTestTree(t)

	key, _ := mustFind(t, tree, "TriggerKey")
	assert.False(t, key.IsReadable())
	assert.True(t, key.IsWritable())
	_, err := key.Integer.Value()
	assert.ErrorIs(t, err, ErrNotReadable)
	assert.ErrorIs(t, err, ErrProtocol)

	w, _ := mustFind(t, tree, "Width")
	port.failRead = true
	_, err = w.Integer.Value()
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrNotReadable)
	port.failRead = false

	port.failWrite = true
	assert.ErrorIs(t, w.Integer.SetValue(320), ErrProtocol)
}

func TestEnumeration(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "PixelFormat")
	e := n.Enumeration

	entries := e.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Mono8", entries[0].Name)
	assert.Equal(t, "Mono 8", entries[0].DisplayName)
	assert.Equal(t, "BayerRG8", entries[1].DisplayName, "display name falls back to the entry name")
	assert.Len(t, e.AvailableEntries(), 2)

	cur, err := e.CurrentEntry()
	require.NoError(t, err)
	assert.Equal(t, "Mono8", cur.Name)

	assert.ErrorIs(t, e.SetValue(0x1234), ErrRange)
	assert.ErrorIs(t, e.SetValue(0x01080009), ErrRange, "unavailable entry")
	assert.Equal(t, uint32(0x01080001), port.u32(0x10C))

	require.NoError(t, e.SetEntry(entries[2]))
	assert.Equal(t, uint32(0x01100007), port.u32(0x10C))

	cur, err = e.CurrentEntry()
	require.NoError(t, err)
	assert.Equal(t, "Mono16", cur.Name)

	// 対応するエントリがない値
	port.putU32(0x10C, 7)
	_, err = e.CurrentEntry()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestBooleanMaskedBit(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "ReverseX")

	v, err := n.Boolean.Value()
	require.NoError(t, err)
	assert.False(t, v)

	require.NoError(t, n.Boolean.SetValue(true))
	assert.Equal(t, uint32(0x09), port.u32(0x110), "other bits must be preserved")
	v, err = n.Boolean.Value()
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, n.Boolean.SetValue(false))
	assert.Equal(t, uint32(0x01), port.u32(0x110))
}

func TestFloat(t *testing.T) {
	tree, _ := newTestTree(t)
	n, _ := mustFind(t, tree, "ExposureTime")
	f := n.Float

	v, err := f.Value()
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, v, 1e-9)
	assert.Equal(t, "us", f.Unit())

	require.NoError(t, f.SetValue(20000))
	v, err = f.Value()
	require.NoError(t, err)
	assert.InDelta(t, 20000.0, v, 1e-9)

	assert.ErrorIs(t, f.SetValue(5), ErrRange)
	assert.ErrorIs(t, f.SetValue(math.NaN()), ErrRange)

	_, ok, err := f.Inc()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "DeviceUserID")
	s := n.String

	require.NoError(t, s.SetValue("cam"))
	v, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, "cam", v)

	maxLen, err := s.MaxLength()
	require.NoError(t, err)
	assert.Equal(t, 8, maxLen)

	assert.ErrorIs(t, s.SetValue("much-too-long"), ErrRange)
	port.mu.Lock()
	assert.Equal(t, byte('c'), port.mem[0x140])
	port.mu.Unlock()
}

func TestCommand(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "AcquisitionStart")
	c := n.Command

	require.NoError(t, c.Execute())
	assert.Equal(t, uint32(1), port.u32(0x130))

	done, err := c.IsDone()
	require.NoError(t, err)
	assert.False(t, done)

	port.putU32(0x130, 0)
	done, err = c.IsDone()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCommand_ExecuteAndWait(t *testing.T) {
	tree, port := newTestTree(t)
	n, _ := mustFind(t, tree, "AcquisitionStart")

	// 3回目の読み出しでデバイスがコマンドレジスタをクリアする
	polls := 0
	port.onRead = func(m *memPort, addr uint64) {
		if addr != 0x130 {
			return
		}
		polls++
		if polls == 3 {
			m.putU32(0x130, 0)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Command.ExecuteAndWait(ctx, time.Millisecond))
	assert.Equal(t, 3, polls)
}

func TestCommand_ExecuteAndWaitHonorsContext(t *testing.T) {
	tree, _ := newTestTree(t)
	n, _ := mustFind(t, tree, "AcquisitionStart")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := n.Command.ExecuteAndWait(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTreeUpdate(t *testing.T) {
	tree, port := newTestTree(t)
	_, widthPath := mustFind(t, tree, "Width")
	_, gainPath := mustFind(t, tree, "Gain")

	var changes []Change
	tree.OnChange(func(c Change) { changes = append(changes, c) })

	// 種別が一致しないメッセージは無視される
	before := port.writeCount()
	require.NoError(t, tree.Update(widthPath, BoolMsg(true)))
	assert.Equal(t, before, port.writeCount())
	assert.Empty(t, changes)

	require.NoError(t, tree.Update(widthPath, IntegerMsg(400)))
	assert.Equal(t, uint32(400), port.u32(0x100))
	require.Len(t, changes, 1)
	assert.Equal(t, "Width", changes[0].Name)
	assert.Equal(t, int64(400), changes[0].Value)

	// 書き込み不可のノードは成功扱いで通知もない
	require.NoError(t, tree.Update(gainPath, IntegerMsg(3)))
	assert.Len(t, changes, 1)

	assert.ErrorIs(t, tree.Update(widthPath, IntegerMsg(401)), ErrRange)
	assert.Len(t, changes, 1)

	require.NoError(t, tree.Update(Path{0}, ToggleMsg()))
	cat, _ := tree.Lookup(Path{0})
	assert.True(t, cat.Category.Expanded())

	assert.ErrorIs(t, tree.Update(Path{7}, IntegerMsg(1)), ErrNodeNotFound)
	assert.ErrorIs(t, tree.UpdateByName("Nothing", IntegerMsg(1)), ErrNodeNotFound)

	require.NoError(t, tree.UpdateByName("AcquisitionStart", ExecuteMsg()))
	assert.Equal(t, uint32(1), port.u32(0x130))
	assert.Len(t, changes, 2)
}

func TestSnapshot(t *testing.T) {
	tree, _ := newTestTree(t)

	all := tree.Snapshot()
	require.Len(t, all, tree.Len()-1)

	byName := make(map[string]NodeView)
	for _, v := range all {
		byName[v.Name] = v
	}
	w := byName["Width"]
	assert.Equal(t, "0/0", w.Path)
	assert.Equal(t, 1, w.Depth)
	assert.Equal(t, int64(640), w.Value)
	assert.Equal(t, int64(16), w.Min)
	assert.Equal(t, int64(4), w.Inc)

	pf := byName["PixelFormat"]
	assert.Equal(t, "Mono8", pf.Entry)
	require.Len(t, pf.Entries, 3)
	assert.False(t, pf.Entries[1].Available)

	key := byName["TriggerKey"]
	assert.False(t, key.Readable)
	assert.Nil(t, key.Value)

	// ルート以外のカテゴリは折りたたまれている
	visible := tree.Visible()
	assert.Len(t, visible, 3)

	tree.Root().Category.Children()[0].Category.Expand()
	assert.Len(t, tree.Visible(), 7)
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("0/2/1")
	require.NoError(t, err)
	assert.Equal(t, Path{0, 2, 1}, p)
	assert.Equal(t, "0/2/1", p.String())

	p, err = ParsePath("/")
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = ParsePath("0/x")
	assert.Error(t, err)
	_, err = ParsePath("-1")
	assert.Error(t, err)
}

func TestParseMsg(t *testing.T) {
	m, err := ParseMsg(KindEnumeration, "0x01080001")
	require.NoError(t, err)
	assert.Equal(t, EnumerationMsg(0x01080001), m)

	m, err = ParseMsg(KindFloat, "1.5")
	require.NoError(t, err)
	assert.Equal(t, FloatMsg(1.5), m)

	_, err = ParseMsg(KindBoolean, "maybe")
	assert.ErrorIs(t, err, ErrRange)

	m, err = ValueMsg(KindInteger, float64(12))
	require.NoError(t, err)
	assert.Equal(t, IntegerMsg(12), m)

	_, err = ValueMsg(KindInteger, 1.5)
	assert.ErrorIs(t, err, ErrRange)

	_, err = ValueMsg(KindFloat, true)
	assert.ErrorIs(t, err, ErrRange)

	// 2^53 + 1 は float64 では 2^53 に丸められる
	_, err = ValueMsg(KindInteger, float64(1<<53+1))
	assert.ErrorIs(t, err, ErrRange)
	_, err = ValueMsg(KindEnumeration, -float64(1<<60))
	assert.ErrorIs(t, err, ErrRange)
	m, err = ValueMsg(KindInteger, float64(1<<53))
	require.NoError(t, err)
	assert.Equal(t, IntegerMsg(1<<53), m)

	m, err = ValueMsg(KindInteger, json.Number("9007199254740993"))
	require.NoError(t, err)
	assert.Equal(t, IntegerMsg(9007199254740993), m)
	m, err = ValueMsg(KindEnumeration, json.Number("17"))
	require.NoError(t, err)
	assert.Equal(t, EnumerationMsg(17), m)
	m, err = ValueMsg(KindFloat, json.Number("2.5"))
	require.NoError(t, err)
	assert.Equal(t, FloatMsg(2.5), m)
	_, err = ValueMsg(KindInteger, json.Number("2.5"))
	assert.ErrorIs(t, err, ErrRange)
	_, err = ValueMsg(KindBoolean, json.Number("1"))
	assert.ErrorIs(t, err, ErrRange)
}

func TestRegisterCodec(t *testing.T) {
	assert.Equal(t, int64(-2), decodeInt([]byte{0xFE, 0xFF}, true, true))
	assert.Equal(t, int64(0xFFFE), decodeInt([]byte{0xFE, 0xFF}, true, false))
	assert.Equal(t, int64(0x0102), decodeInt([]byte{0x01, 0x02}, false, false))

	b, err := encodeInt(-2, 2, false, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE}, b)

	_, err = encodeInt(256, 1, true, false)
	assert.ErrorIs(t, err, ErrRange)
	_, err = encodeInt(-1, 4, true, false)
	assert.ErrorIs(t, err, ErrRange)
	_, err = encodeInt(128, 1, true, true)
	assert.ErrorIs(t, err, ErrRange)

	assert.Equal(t, int64(0x5), extractBits(0xF5, 0, 3, false))
	assert.Equal(t, int64(-1), extractBits(0xF0, 4, 7, true))
	assert.Equal(t, uint64(0xA5), insertBits(0xF5, 0xA, 4, 7))

	f := encodeFloat(1.5, 4, true)
	assert.InDelta(t, 1.5, decodeFloat(f, true), 1e-9)
}

func TestCyclicReferenceDoesNotHang(t *testing.T) {
	doc := `<RegisterDescription>
  <Category Name="Root"><pFeature>A</pFeature></Category>
  <Integer Name="A"><pValue>B</pValue></Integer>
  <Integer Name="B"><pValue>A</pValue></Integer>
</RegisterDescription>`
	tree, err := Load([]byte(doc), newMemPort(), nil)
	require.NoError(t, err)

	n, _ := mustFind(t, tree, "A")
	assert.False(t, n.IsReadable())
	_, err = n.Integer.Value()
	assert.ErrorIs(t, err, ErrProtocol)
}
