package types

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// KeyKind tags the variant held by a Key.
type KeyKind uint8

const (
	KindNone KeyKind = iota
	KindString
	KindInt
	KindEnum
	KindType
	KindTuple
)

func (k KeyKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindEnum:
		return "enum"
	case KindType:
		return "type"
	case KindTuple:
		return "tuple"
	default:
		return "none"
	}
}

// Key identifies a logical action. Two keys are equal iff their canonical
// encodings are equal, so Key is usable directly as a map key and with ==.
// Strings, integers, enum values and tuples compare by value; type tokens
// compare by identity of the reflect.Type they were built from.
type Key struct {
	kind  KeyKind
	repr  string
	label string
}

// type tokens are interned so identity survives the string encoding
var typeTokens = struct {
	sync.Mutex
	ids  map[reflect.Type]uint64
	next uint64
}{ids: make(map[reflect.Type]uint64)}

func typeToken(t reflect.Type) uint64 {
	typeTokens.Lock()
	defer typeTokens.Unlock()
	id, ok := typeTokens.ids[t]
	if !ok {
		typeTokens.next++
		id = typeTokens.next
		typeTokens.ids[t] = id
	}
	return id
}

// StringKey builds a key from a string value.
func StringKey(s string) Key {
	return Key{kind: KindString, repr: "s" + strconv.Quote(s), label: s}
}

// IntKey builds a key from an integer value.
func IntKey(n int64) Key {
	v := strconv.FormatInt(n, 10)
	return Key{kind: KindInt, repr: "i" + v, label: v}
}

// Enum is the set of underlying types accepted as enum tags.
type Enum interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~string
}

// EnumKey builds a key from an enum value. The enum's type takes part in
// equality, so Color(1) and Size(1) are different keys.
func EnumKey[E Enum](v E) Key {
	t := reflect.TypeOf(v)
	val := fmt.Sprint(v)
	return Key{
		kind:  KindEnum,
		repr:  "e" + strconv.FormatUint(typeToken(t), 10) + ":" + strconv.Quote(val),
		label: t.String() + "." + val,
	}
}

// TypeKey builds a type-token key for T.
func TypeKey[T any]() Key {
	return TypeKeyOf(reflect.TypeFor[T]())
}

// TypeKeyOf builds a type-token key for t.
func TypeKeyOf(t reflect.Type) Key {
	if t == nil {
		return Key{}
	}
	return Key{
		kind:  KindType,
		repr:  "y" + strconv.FormatUint(typeToken(t), 10),
		label: t.String(),
	}
}

// TupleKey builds an ordered composite key. Parts are length-prefixed in the
// encoding so ("a,b") and ("a","b") never collide.
func TupleKey(parts ...Key) Key {
	var repr, label strings.Builder
	repr.WriteByte('t')
	label.WriteByte('(')
	for i, p := range parts {
		repr.WriteString(strconv.Itoa(len(p.repr)))
		repr.WriteByte(':')
		repr.WriteString(p.repr)
		if i > 0 {
			label.WriteString(", ")
		}
		label.WriteString(p.label)
	}
	label.WriteByte(')')
	return Key{kind: KindTuple, repr: repr.String(), label: label.String()}
}

// KeyOf converts a plain Go value into a Key. Supported: Key, string, all
// integer kinds, reflect.Type and []any (tuple, converted recursively).
func KeyOf(v any) (Key, error) {
	switch x := v.(type) {
	case Key:
		return x, nil
	case string:
		return StringKey(x), nil
	case int:
		return IntKey(int64(x)), nil
	case int32:
		return IntKey(int64(x)), nil
	case int64:
		return IntKey(x), nil
	case uint32:
		return IntKey(int64(x)), nil
	case reflect.Type:
		return TypeKeyOf(x), nil
	case []any:
		parts := make([]Key, 0, len(x))
		for _, p := range x {
			k, err := KeyOf(p)
			if err != nil {
				return Key{}, err
			}
			parts = append(parts, k)
		}
		return TupleKey(parts...), nil
	default:
		return Key{}, fmt.Errorf("unsupported key value of type %T", v)
	}
}

// Kind reports the variant.
func (k Key) Kind() KeyKind { return k.kind }

// IsZero reports whether k was never set.
func (k Key) IsZero() bool { return k.kind == KindNone }

// Equal is structural equality.
func (k Key) Equal(o Key) bool { return k.repr == o.repr }

// Hash combines the structural encoding into a 64-bit FNV-1a hash.
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.repr))
	return h.Sum64()
}

func (k Key) String() string {
	if k.kind == KindNone {
		return "<none>"
	}
	return k.label
}

// Or returns k, or fallback when k is zero.
func (k Key) Or(fallback Key) Key {
	if k.IsZero() {
		return fallback
	}
	return k
}
