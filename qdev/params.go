package qdev

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// NoEqualString requests a key-only rendering ("readonly" instead of "readonly=on").
	NoEqualString = "NO_EQUAL_STRING"

	// EmptyString requests an intentionally empty value (`key=""`).
	EmptyString = "EMPTY_STRING"
)

type ValueKind uint8

const (
	KindOmit ValueKind = iota
	KindString
	KindInt
	KindBool
	KindNoEquals
	KindEmpty
)

// Value is a single device parameter value.
// The zero Value means "omit": storing it removes the parameter.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	b    bool
}

func String(s string) Value {
	return Value{kind: KindString, s: s}
}

func Int(i int64) Value {
	return Value{kind: KindInt, i: i}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func NoEquals() Value {
	return Value{kind: KindNoEquals}
}

func Empty() Value {
	return Value{kind: KindEmpty}
}

func Omit() Value {
	return Value{}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

func (v Value) IsOmit() bool {
	return v.kind == KindOmit
}

// Int64 returns the integer form of the value if it has one.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindString:
		if x, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return x, true
		}
	}

	return 0, false
}

// Text returns the raw textual form without any sentinel handling.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		if v.b {
			return "on"
		}
		return "off"
	}

	return ""
}

// String returns the value as it appears on the qemu command line.
func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return `""`
	case KindNoEquals, KindOmit:
		return ""
	}

	return v.Text()
}

func (v Value) Equal(o Value) bool {
	return v == o
}

// ParseFlag converts a textual boolean into a Value.
func ParseFlag(s string) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on", "true", "1":
		return Bool(true), nil
	case "no", "off", "false", "0":
		return Bool(false), nil
	}

	return Value{}, fmt.Errorf("%w: not a boolean: %q", ErrInvalidValue, s)
}

// FlagValue converts truthy/falsy input (a bool or a textual boolean) into a Value.
// A nil argument returns the omit value.
func FlagValue(a interface{}) (Value, error) {
	switch x := a.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return Bool(x), nil
	case string:
		return ParseFlag(x)
	case int:
		return Bool(x != 0), nil
	}

	return Value{}, fmt.Errorf("%w: not a boolean: %T", ErrInvalidValue, a)
}

// ValueOf converts loosely typed input (e.g. decoded YAML scalars) into a Value.
func ValueOf(a interface{}) (Value, error) {
	switch x := a.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Int(int64(x)), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case string:
		switch x {
		case NoEqualString:
			return NoEquals(), nil
		case EmptyString:
			return Empty(), nil
		}
		return String(x), nil
	}

	return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, a)
}

type Param struct {
	Key   string
	Value Value
}

func P(key string, v Value) Param {
	return Param{Key: key, Value: v}
}

// Params is an insertion-ordered set of device parameters.
type Params struct {
	items []Param
}

func NewParams(pp ...Param) *Params {
	p := new(Params)

	for _, x := range pp {
		p.Set(x.Key, x.Value)
	}

	return p
}

func (p *Params) index(key string) int {
	for i := range p.items {
		if p.items[i].Key == key {
			return i
		}
	}

	return -1
}

// Set stores the value under key. An existing key keeps its position.
// The omit value deletes the key.
func (p *Params) Set(key string, v Value) {
	idx := p.index(key)

	if v.IsOmit() {
		if idx >= 0 {
			p.items = append(p.items[:idx], p.items[idx+1:]...)
		}
		return
	}

	if idx >= 0 {
		p.items[idx].Value = v
	} else {
		p.items = append(p.items, Param{Key: key, Value: v})
	}
}

func (p *Params) Unset(key string) {
	p.Set(key, Value{})
}

func (p *Params) Get(key string) (Value, bool) {
	if idx := p.index(key); idx >= 0 {
		return p.items[idx].Value, true
	}

	return Value{}, false
}

func (p *Params) Has(key string) bool {
	return p.index(key) >= 0
}

func (p *Params) Len() int {
	return len(p.items)
}

func (p *Params) Keys() []string {
	keys := make([]string, 0, len(p.items))

	for _, x := range p.items {
		keys = append(keys, x.Key)
	}

	return keys
}

// Items returns a copy of the ordered parameter list.
func (p *Params) Items() []Param {
	return append([]Param(nil), p.items...)
}

func (p *Params) Clone() *Params {
	return &Params{items: p.Items()}
}

// Restore replaces the contents with those of other.
func (p *Params) Restore(other *Params) {
	p.items = other.Items()
}

// Join renders the parameters as a comma separated list.
// Key-only parameters go first, then key=value pairs, each group
// in insertion order. Keys listed in skip are left out.
func (p *Params) Join(skip ...string) string {
	skipped := func(k string) bool {
		for _, s := range skip {
			if s == k {
				return true
			}
		}
		return false
	}

	bare := make([]string, 0, len(p.items))
	pairs := make([]string, 0, len(p.items))

	for _, x := range p.items {
		if skipped(x.Key) {
			continue
		}
		if x.Value.Kind() == KindNoEquals {
			bare = append(bare, x.Key)
		} else {
			pairs = append(pairs, x.Key+"="+x.Value.String())
		}
	}

	return strings.Join(append(bare, pairs...), ",")
}
