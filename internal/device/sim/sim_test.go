package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camviewer/internal/device"
	"camviewer/internal/genapi"
)

func newOpenCamera(t *testing.T, cfg Config) *Camera {
	t.Helper()
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = "SIM001"
	}
	if cfg.FPS == 0 {
		cfg.FPS = 200
	}
	if cfg.Width == 0 {
		cfg.Width, cfg.Height = 64, 48
	}
	c, err := NewCamera(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Open())
	t.Cleanup(func() {
		_ = c.StopStreaming()
		_ = c.Close()
	})
	return c
}

func recvWithin(t *testing.T, r *device.PayloadReceiver, d time.Duration) *device.Payload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	p, err := r.Recv(ctx)
	require.NoError(t, err)
	return p
}

func TestNewCamera(t *testing.T) {
	_, err := NewCamera(Config{}, nil)
	assert.Error(t, err)

	_, err = NewCamera(Config{SerialNumber: "X", PixelFormat: "Mono99"}, nil)
	assert.Error(t, err)

	c, err := NewCamera(Config{SerialNumber: "X1", UserDefinedName: "Left"}, nil)
	require.NoError(t, err)
	info := c.Info()
	assert.Equal(t, "SimCam", info.ModelName)
	assert.Equal(t, "SIM-X1", info.GUID)
	assert.Equal(t, "Left (X1)", info.DisplayName())
}

func TestCamera_ControlChannel(t *testing.T) {
	c, err := NewCamera(Config{SerialNumber: "S1"}, nil)
	require.NoError(t, err)

	_, err = c.Read(regVendorName, 4)
	assert.ErrorIs(t, err, device.ErrControl, "read before open")
	_, err = c.Description()
	assert.ErrorIs(t, err, device.ErrControl)

	c.SetFailures(Failures{Open: true})
	assert.ErrorIs(t, c.Open(), device.ErrControl)
	assert.False(t, c.IsOpen())

	c.SetFailures(Failures{})
	require.NoError(t, c.Open())
	assert.True(t, c.IsOpen())

	b, err := c.Read(regSerialNumber, identityStringLen)
	require.NoError(t, err)
	assert.Equal(t, "S1", string(b[:2]))

	assert.ErrorIs(t, c.Write(regWidthMax, []byte{1, 0, 0, 0}), device.ErrControl, "read-only register")
	assert.ErrorIs(t, c.Write(memSize-2, []byte{1, 0, 0, 0}), device.ErrControl, "out of range")

	c.SetFailures(Failures{Close: true})
	assert.ErrorIs(t, c.Close(), device.ErrControl)
	assert.True(t, c.IsOpen(), "failed close leaves the channel open")

	c.SetFailures(Failures{})
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
}

func TestCamera_DescriptionBuildsTree(t *testing.T) {
	c := newOpenCamera(t, Config{})

	doc, err := c.Description()
	require.NoError(t, err)
	tree, err := genapi.Load(doc, c, nil)
	require.NoError(t, err)

	serial, _, ok := tree.Find("DeviceSerialNumber")
	require.True(t, ok)
	v, err := serial.String.Value()
	require.NoError(t, err)
	assert.Equal(t, "SIM001", v)
	assert.False(t, serial.IsWritable())

	_, _, ok = tree.Find("ChunkModeActive")
	assert.False(t, ok, "chunk features are not part of the tree")

	width, _, ok := tree.Find("Width")
	require.True(t, ok)
	w, err := width.Integer.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(64), w)
}

func TestCamera_ExposureAutoLocksExposureTime(t *testing.T) {
	c := newOpenCamera(t, Config{})
	doc, err := c.Description()
	require.NoError(t, err)
	tree, err := genapi.Load(doc, c, nil)
	require.NoError(t, err)

	exposure, _, ok := tree.Find("ExposureTime")
	require.True(t, ok)
	auto, _, ok := tree.Find("ExposureAuto")
	require.True(t, ok)

	assert.True(t, exposure.IsWritable())
	require.NoError(t, auto.Enumeration.SetValue(exposureAutoContinuous))
	assert.False(t, exposure.IsWritable(), "writability must follow ExposureAuto")

	require.NoError(t, auto.Enumeration.SetValue(exposureAutoOff))
	assert.True(t, exposure.IsWritable())
}

func TestCamera_CommandSelfClears(t *testing.T) {
	c := newOpenCamera(t, Config{CommandLatency: 5 * time.Millisecond})
	doc, err := c.Description()
	require.NoError(t, err)
	tree, err := genapi.Load(doc, c, nil)
	require.NoError(t, err)

	start, _, ok := tree.Find("AcquisitionStart")
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, start.Command.ExecuteAndWait(ctx, time.Millisecond))

	done, err := start.Command.IsDone()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCamera_Streaming(t *testing.T) {
	c := newOpenCamera(t, Config{PixelFormat: "BayerRG8"})

	_, err := c.StartStreaming(2)
	assert.ErrorIs(t, err, device.ErrControl, "streaming interface not enabled")

	require.NoError(t, c.EnableStreaming())
	r, err := c.StartStreaming(2)
	require.NoError(t, err)
	assert.True(t, c.IsLoopRunning())

	_, err = c.StartStreaming(2)
	assert.ErrorIs(t, err, device.ErrControl)

	// ストリーミング中は画像サイズが固定される
	assert.ErrorIs(t, c.Write(regWidth, []byte{32, 0, 0, 0}), device.ErrControl)
	assert.ErrorIs(t, c.Close(), device.ErrControl)

	p := recvWithin(t, r, time.Second)
	assert.Equal(t, device.PayloadTypeImage, p.Type)
	assert.Equal(t, 64, p.Width)
	assert.Equal(t, 48, p.Height)
	assert.Equal(t, device.PixelFormatBayerRG8, p.PixelFormat)
	assert.Len(t, p.Data, 64*48)
	r.SendBack(p)

	// 返却したバッファが再利用され、生成が続く
	for i := 0; i < 5; i++ {
		r.SendBack(recvWithin(t, r, time.Second))
	}

	require.NoError(t, c.StopStreaming())
	require.NoError(t, c.StopStreaming(), "stop is idempotent")
	assert.False(t, c.IsLoopRunning())

	r.Drain()
	_, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, device.ErrChannelClosed)

	require.NoError(t, c.Close())
}

func TestCamera_StreamingStarvesWithoutSendBack(t *testing.T) {
	c := newOpenCamera(t, Config{})
	require.NoError(t, c.EnableStreaming())
	r, err := c.StartStreaming(2)
	require.NoError(t, err)

	recvWithin(t, r, time.Second)
	recvWithin(t, r, time.Second)

	// バッファを返却しないと生成できない
	assert.Eventually(t, func() bool { return c.Stats().Underruns > 0 }, time.Second, 5*time.Millisecond)
	_, err = r.TryRecv()
	assert.ErrorIs(t, err, device.ErrChannelEmpty)
}

func TestCamera_ChunkMode(t *testing.T) {
	c := newOpenCamera(t, Config{ChunkMode: true})
	require.NoError(t, c.EnableStreaming())
	r, err := c.StartStreaming(4)
	require.NoError(t, err)

	var sawChunk, sawImage bool
	for i := 0; i < 4; i++ {
		p := recvWithin(t, r, time.Second)
		switch p.Type {
		case device.PayloadTypeChunk:
			sawChunk = true
			assert.Len(t, p.Data, chunkDataLen)
		case device.PayloadTypeImageExtChunk:
			sawImage = true
		}
		r.SendBack(p)
	}
	assert.True(t, sawChunk)
	assert.True(t, sawImage)
}

func TestCamera_SoftwareTrigger(t *testing.T) {
	c := newOpenCamera(t, Config{FPS: 1000})
	require.NoError(t, c.Write(regTriggerMode, []byte{1, 0, 0, 0}))
	require.NoError(t, c.EnableStreaming())
	r, err := c.StartStreaming(2)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = r.TryRecv()
	assert.ErrorIs(t, err, device.ErrChannelEmpty, "no frames without a trigger")

	require.NoError(t, c.Write(regTriggerSoftware, []byte{1, 0, 0, 0}))
	p := recvWithin(t, r, time.Second)
	assert.True(t, p.IsImage())
}

func TestBus(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	devs, err := bus.Enumerate(ctx)
	require.NoError(t, err)
	assert.Empty(t, devs)

	a, err := bus.Plug(Config{SerialNumber: "A", FPS: 200, Width: 32, Height: 32})
	require.NoError(t, err)
	_, err = bus.Plug(Config{SerialNumber: "B"})
	require.NoError(t, err)

	devs, err = bus.Enumerate(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Same(t, a, devs[0])

	got, ok := bus.Camera("B")
	require.True(t, ok)
	assert.Equal(t, "B", got.Info().SerialNumber)

	// ストリーミング中に切断するとチャンネルがクローズされる
	require.NoError(t, a.Open())
	require.NoError(t, a.EnableStreaming())
	r, err := a.StartStreaming(2)
	require.NoError(t, err)

	assert.True(t, bus.Unplug("A"))
	assert.False(t, bus.Unplug("A"))
	assert.False(t, a.IsLoopRunning())
	assert.False(t, a.IsOpen())
	assert.ErrorIs(t, a.Close(), device.ErrControl)

	r.Drain()
	_, err = r.Recv(ctx)
	assert.ErrorIs(t, err, device.ErrChannelClosed)

	devs, err = bus.Enumerate(ctx)
	require.NoError(t, err)
	assert.Len(t, devs, 1)

	bus.SetEnumerateError(errors.New("usb reset"))
	_, err = bus.Enumerate(ctx)
	assert.ErrorIs(t, err, device.ErrControl)
}

func TestBus_EnumerateHonorsContext(t *testing.T) {
	bus := NewBus(nil)
	bus.SetEnumerateDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := bus.Enumerate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBayerChannel(t *testing.T) {
	// 左上 2x2 の並び: R=0 G=1 B=2
	assert.Equal(t, [4]int{0, 1, 1, 2}, quad(device.PixelFormatBayerRG8))
	assert.Equal(t, [4]int{2, 1, 1, 0}, quad(device.PixelFormatBayerBG8))
	assert.Equal(t, [4]int{1, 0, 2, 1}, quad(device.PixelFormatBayerGR8))
	assert.Equal(t, [4]int{1, 2, 0, 1}, quad(device.PixelFormatBayerGB8))
}

func quad(pf device.PixelFormat) [4]int {
	return [4]int{bayerChannel(pf, 0, 0), bayerChannel(pf, 1, 0), bayerChannel(pf, 0, 1), bayerChannel(pf, 1, 1)}
}
