package camera

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"camviewer/internal/device"
)

// identityNamespace はデバイス ID を導出する UUID v5 の名前空間
var identityNamespace = uuid.MustParse("5f3b8a52-6c1e-4d0b-9a87-2e4f6c1d9b30")

// DeviceID は接続し直しても変わらないデバイスの識別子
//
// シリアル番号・モデル名・バス GUID の組から決まり、組が等しいときだけ等しい。
type DeviceID uuid.UUID

// NewDeviceID はデバイス情報から識別子を計算する
//
// 各フィールドを長さ付きで連結するので、境界をずらした組同士は衝突しない。
func NewDeviceID(info device.Info) DeviceID {
	var name []byte
	for _, f := range []string{info.SerialNumber, info.ModelName, info.GUID} {
		name = binary.BigEndian.AppendUint32(name, uint32(len(f)))
		name = append(name, f...)
	}
	return DeviceID(uuid.NewSHA1(identityNamespace, name))
}

// ParseDeviceID は文字列表現から識別子を復元する
func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("%w: %q: %w", ErrInvalidID, s, err)
	}
	return DeviceID(u), nil
}

// String は UUID 形式の文字列を返す
func (id DeviceID) String() string {
	return uuid.UUID(id).String()
}

// Compare はバイト列として比較する
func (id DeviceID) Compare(other DeviceID) int {
	return bytes.Compare(id[:], other[:])
}

// IsZero はゼロ値かを返す
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

// MarshalText は encoding.TextMarshaler の実装
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText は encoding.TextUnmarshaler の実装
func (id *DeviceID) UnmarshalText(b []byte) error {
	parsed, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
