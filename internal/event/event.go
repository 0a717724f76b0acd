// Package event はデバイスとセッションの状態変化を外部へ通知するイベントを提供する
//
// イベントは Bus で購読者に配信される。購読者の受信が追いつかない場合、
// そのイベントはその購読者に対してだけ捨てられ、発行側はブロックしない。
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type はイベントの種別
type Type string

const (
	TypeDeviceAdded      Type = "device_added"
	TypeDeviceRemoved    Type = "device_removed"
	TypeSelectionChanged Type = "selection_changed"
	TypeStateChanged     Type = "state_changed"
	TypeFrameReady       Type = "frame_ready"
	TypeNodeValueChanged Type = "node_value_changed"
)

// Event は1件の通知
//
// CBOR では整数キーで符号化する。
type Event struct {
	ID       string    `json:"id" cbor:"1,keyasint"`
	Type     Type      `json:"type" cbor:"2,keyasint"`
	Time     time.Time `json:"time" cbor:"3,keyasint"`
	DeviceID string    `json:"device_id,omitempty" cbor:"4,keyasint,omitempty"`
	Name     string    `json:"name,omitempty" cbor:"5,keyasint,omitempty"` // デバイス表示名またはノード名
	State    string    `json:"state,omitempty" cbor:"6,keyasint,omitempty"`
	Path     string    `json:"path,omitempty" cbor:"7,keyasint,omitempty"`
	Value    any       `json:"value,omitempty" cbor:"8,keyasint,omitempty"`
	Sequence uint64    `json:"sequence,omitempty" cbor:"9,keyasint,omitempty"`
}

// New は ID と時刻を付与したイベントを作成する
func New(t Type, deviceID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     t,
		Time:     time.Now(),
		DeviceID: deviceID,
	}
}

// DeviceAdded はデバイスの追加を表すイベントを作成する
func DeviceAdded(deviceID, name string) Event {
	e := New(TypeDeviceAdded, deviceID)
	e.Name = name
	return e
}

// DeviceRemoved はデバイスの削除を表すイベントを作成する
func DeviceRemoved(deviceID, name string) Event {
	e := New(TypeDeviceRemoved, deviceID)
	e.Name = name
	return e
}

// SelectionChanged は選択デバイスの変更を表すイベントを作成する。deviceID が空なら選択解除
func SelectionChanged(deviceID string) Event {
	return New(TypeSelectionChanged, deviceID)
}

// StateChanged はセッション状態の変化を表すイベントを作成する
func StateChanged(deviceID, state string) Event {
	e := New(TypeStateChanged, deviceID)
	e.State = state
	return e
}

// FrameReady は新しいフレームの変換完了を表すイベントを作成する
func FrameReady(deviceID string, sequence uint64) Event {
	e := New(TypeFrameReady, deviceID)
	e.Sequence = sequence
	return e
}

// NodeValueChanged はパラメーターノードへの書き込みを表すイベントを作成する
func NodeValueChanged(deviceID, node, path string, value any) Event {
	e := New(TypeNodeValueChanged, deviceID)
	e.Name = node
	e.Path = path
	e.Value = value
	return e
}

// Publisher はイベントの発行先
type Publisher interface {
	// Publish はイベントを発行する。いずれかの配信先で捨てられた場合は false を返す
	Publish(e Event) bool
}

// Discard は全てのイベントを捨てる Publisher
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) bool { return true }
