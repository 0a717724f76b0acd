package camera

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"camviewer/internal/device"
	"camviewer/internal/event"
)

// Registry は既知のデバイスと選択中のデバイスを管理する
//
// 全てのセッションを所有する。スキャンはバスの列挙結果との差分で
// セッションを追加・削除し、変化のないデバイスのセッションには触れない。
type Registry struct {
	enumerator device.Enumerator
	opts       Options

	// scanMu はスキャンと削除を直列化する。列挙は mu の外で行う
	scanMu sync.Mutex

	mu       sync.RWMutex
	sessions map[DeviceID]*Session
	selected *DeviceID

	// 自動スキャン用
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry は空のレジストリを作成する
func NewRegistry(enumerator device.Enumerator, opts Options) *Registry {
	return &Registry{
		enumerator: enumerator,
		opts:       opts.withDefaults(),
		sessions:   make(map[DeviceID]*Session),
	}
}

// Start は初期スキャンを行い、自動スキャンが有効ならバックグラウンドスキャンを開始する
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.Scan(ctx); err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", err)
	}

	if r.opts.AutoScan {
		loopCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()

		r.wg.Add(1)
		go r.backgroundScan(loopCtx)
	}
	return nil
}

// Stop はバックグラウンドスキャンを停止し、全てのセッションを閉じて破棄する
func (r *Registry) Stop(_ context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	r.mu.Lock()
	sessions := r.sessions
	hadSelection := r.selected != nil
	r.sessions = make(map[DeviceID]*Session)
	r.selected = nil
	r.mu.Unlock()

	for id, s := range sessions {
		s.forceClose()
		r.opts.Events.Publish(event.DeviceRemoved(id.String(), s.Name()))
	}
	if hadSelection {
		r.opts.Events.Publish(event.SelectionChanged(""))
	}
	return nil
}

// backgroundScan は定期的なデバイススキャンを実行する
func (r *Registry) backgroundScan(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil && ctx.Err() == nil {
				r.opts.Logger.Warn("定期スキャンに失敗しました", "error", err)
			}
		}
	}
}

// Scan はバスを列挙し、レジストリとの差分を反映する
//
// 消えたデバイスのセッションは強制的に閉じてから破棄する（失敗はログのみ）。
// 何も選択されていなければ、最も小さい ID のデバイスを選択する。
func (r *Registry) Scan(ctx context.Context) (ScanResult, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	devices, err := r.enumerator.Enumerate(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}

	seen := make(map[DeviceID]device.Device, len(devices))
	infos := make(map[DeviceID]device.Info, len(devices))
	for _, d := range devices {
		info := d.Info()
		id := NewDeviceID(info)
		if _, dup := seen[id]; dup {
			r.opts.Logger.Warn("同じ識別子のデバイスが重複して列挙されました。最初のものを使います",
				"device_id", id.String(), "serial", info.SerialNumber)
			continue
		}
		seen[id] = d
		infos[id] = info
	}

	var (
		result  ScanResult
		removed []*Session
	)

	r.mu.Lock()
	before := r.selected
	for id, d := range seen {
		if _, ok := r.sessions[id]; ok {
			continue
		}
		r.sessions[id] = newSession(id, d, infos[id], r.opts)
		result.Added = append(result.Added, id)
	}
	for id, s := range r.sessions {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(r.sessions, id)
		removed = append(removed, s)
		result.Removed = append(result.Removed, id)
		if r.selected != nil && *r.selected == id {
			r.selected = nil
		}
	}
	r.selectDefaultLocked()
	after := r.selected
	r.mu.Unlock()

	slices.SortFunc(result.Added, DeviceID.Compare)
	slices.SortFunc(result.Removed, DeviceID.Compare)

	for _, s := range removed {
		s.forceClose()
		r.opts.Logger.Info("デバイスを削除しました", "device_id", s.ID().String(), "name", s.Name())
		r.opts.Events.Publish(event.DeviceRemoved(s.ID().String(), s.Name()))
	}
	for _, id := range result.Added {
		r.opts.Logger.Info("デバイスを追加しました", "device_id", id.String(), "name", infos[id].DisplayName())
		r.opts.Events.Publish(event.DeviceAdded(id.String(), infos[id].DisplayName()))
	}
	if !sameSelection(before, after) {
		r.publishSelection(after)
	}
	return result, nil
}

// selectDefaultLocked は未選択なら最小の ID を選択する
func (r *Registry) selectDefaultLocked() {
	if r.selected != nil || len(r.sessions) == 0 {
		return
	}
	var smallest *DeviceID
	for id := range r.sessions {
		if smallest == nil || id.Compare(*smallest) < 0 {
			smallest = &id
		}
	}
	r.selected = smallest
}

func sameSelection(a, b *DeviceID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *Registry) publishSelection(id *DeviceID) {
	if id == nil {
		r.opts.Events.Publish(event.SelectionChanged(""))
		return
	}
	r.opts.Events.Publish(event.SelectionChanged(id.String()))
}

// Select はデバイスを選択する
func (r *Registry) Select(id DeviceID) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := r.selected == nil || *r.selected != id
	r.selected = &id
	r.mu.Unlock()

	if changed {
		r.publishSelection(&id)
	}
	return nil
}

// Selected は選択中のセッションを返す
func (r *Registry) Selected() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == nil {
		return nil, false
	}
	s, ok := r.sessions[*r.selected]
	return s, ok
}

// Get は ID に対応するセッションを返す
func (r *Registry) Get(id DeviceID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Sessions は全てのセッションを ID 順に返す
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.id.Compare(b.id) })
	return out
}

// Len は管理中のデバイス数を返す
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove はセッションを閉じてレジストリから削除する
func (r *Registry) Remove(_ context.Context, id DeviceID) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	wasSelected := r.selected != nil && *r.selected == id
	if wasSelected {
		r.selected = nil
	}
	r.mu.Unlock()

	s.forceClose()
	r.opts.Logger.Info("デバイスを削除しました", "device_id", id.String(), "name", s.Name())
	r.opts.Events.Publish(event.DeviceRemoved(id.String(), s.Name()))
	if wasSelected {
		r.publishSelection(nil)
	}
	return nil
}
