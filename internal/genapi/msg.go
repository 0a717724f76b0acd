package genapi

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Msg はノードへの更新メッセージ
//
// Kind が宛先ノードの種別と一致したときだけ適用される。
// Enumeration のコードは Int に入れる。
type Msg struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// BoolMsg は Boolean ノードへの書き込みメッセージ
func BoolMsg(v bool) Msg { return Msg{Kind: KindBoolean, Bool: v} }

// IntegerMsg は Integer ノードへの書き込みメッセージ
func IntegerMsg(v int64) Msg { return Msg{Kind: KindInteger, Int: v} }

// FloatMsg は Float ノードへの書き込みメッセージ
func FloatMsg(v float64) Msg { return Msg{Kind: KindFloat, Float: v} }

// EnumerationMsg は Enumeration ノードのエントリをコードで選択するメッセージ
func EnumerationMsg(code int64) Msg { return Msg{Kind: KindEnumeration, Int: code} }

// StringMsg は String ノードへの書き込みメッセージ
func StringMsg(v string) Msg { return Msg{Kind: KindString, Str: v} }

// ExecuteMsg は Command ノードの起動メッセージ
func ExecuteMsg() Msg { return Msg{Kind: KindCommand} }

// ToggleMsg は Category ノードの展開状態を反転するメッセージ
func ToggleMsg() Msg { return Msg{Kind: KindCategory} }

// ParseMsg は入力テキストを kind 向けのメッセージに変換する
//
// Enumeration は整数コードだけを受け付ける。解釈できない入力は ErrRange を返す。
func ParseMsg(kind Kind, text string) (Msg, error) {
	text = strings.TrimSpace(text)
	switch kind {
	case KindBoolean:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return Msg{}, fmt.Errorf("%w: 真偽値 %q を解釈できません", ErrRange, text)
		}
		return BoolMsg(v), nil
	case KindInteger, KindEnumeration:
		v, err := parseInt(text)
		if err != nil {
			return Msg{}, fmt.Errorf("%w: 整数 %q を解釈できません", ErrRange, text)
		}
		if kind == KindEnumeration {
			return EnumerationMsg(v), nil
		}
		return IntegerMsg(v), nil
	case KindFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Msg{}, fmt.Errorf("%w: 数値 %q を解釈できません", ErrRange, text)
		}
		return FloatMsg(v), nil
	case KindString:
		return StringMsg(text), nil
	case KindCommand:
		return ExecuteMsg(), nil
	case KindCategory:
		return ToggleMsg(), nil
	default:
		return Msg{}, fmt.Errorf("未知のノード種別 %s", kind)
	}
}

const maxExactFloatInt = 1 << 53

// ValueMsg は JSON などから得た値を kind 向けのメッセージに変換する
//
// 整数は json.Number で渡すと丸められない。
func ValueMsg(kind Kind, v any) (Msg, error) {
	switch x := v.(type) {
	case string:
		return ParseMsg(kind, x)
	case bool:
		if kind != KindBoolean {
			break
		}
		return BoolMsg(x), nil
	case float64:
		switch kind {
		case KindFloat:
			return FloatMsg(x), nil
		case KindInteger, KindEnumeration:
			// 2^53 を超えると float64 では整数を正確に表せない
			if math.Abs(x) > maxExactFloatInt {
				return Msg{}, fmt.Errorf("%w: %v は float64 で正確に表せません", ErrRange, x)
			}
			if x != float64(int64(x)) {
				return Msg{}, fmt.Errorf("%w: %v は整数ではありません", ErrRange, x)
			}
			return ParseMsg(kind, strconv.FormatInt(int64(x), 10))
		}
	case json.Number:
		switch kind {
		case KindInteger, KindEnumeration, KindFloat:
			return ParseMsg(kind, x.String())
		}
	case int64:
		return ParseMsg(kind, strconv.FormatInt(x, 10))
	case int:
		return ParseMsg(kind, strconv.Itoa(x))
	case nil:
		if kind == KindCommand || kind == KindCategory {
			return ParseMsg(kind, "")
		}
	}
	return Msg{}, fmt.Errorf("%w: %T の値は %s ノードに書き込めません", ErrRange, v, kind)
}
