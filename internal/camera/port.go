package camera

import (
	"sync"

	"camviewer/internal/device"
)

// lockedPort はデバイスのメモリアクセスを1つのロックで直列化する genapi.Port
type lockedPort struct {
	mu  *sync.Mutex
	dev device.Device
}

func (p lockedPort) Read(addr uint64, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev.Read(addr, length)
}

func (p lockedPort) Write(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dev.Write(addr, data)
}
