package types

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type color int
type size int
type tabName string

type fetchUser struct{}
type fetchPosts struct{}

func TestKeyEquality(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Key
		equal bool
	}{
		{"same string", StringKey("user"), StringKey("user"), true},
		{"different string", StringKey("user"), StringKey("posts"), false},
		{"same int", IntKey(7), IntKey(7), true},
		{"int vs string of same digits", IntKey(7), StringKey("7"), false},
		{"same enum", EnumKey(color(1)), EnumKey(color(1)), true},
		{"enum of different types", EnumKey(color(1)), EnumKey(size(1)), false},
		{"string enum", EnumKey(tabName("home")), EnumKey(tabName("home")), true},
		{"same type token", TypeKey[fetchUser](), TypeKey[fetchUser](), true},
		{"different type token", TypeKey[fetchUser](), TypeKey[fetchPosts](), false},
		{"tuple by value", TupleKey(TypeKey[fetchUser](), IntKey(1)), TupleKey(TypeKey[fetchUser](), IntKey(1)), true},
		{"tuple order matters", TupleKey(IntKey(1), IntKey(2)), TupleKey(IntKey(2), IntKey(1)), false},
		{"tuple nesting is not flattening", TupleKey(StringKey("a,b")), TupleKey(StringKey("a"), StringKey("b")), false},
		{"empty tuple", TupleKey(), TupleKey(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, tt.a.Equal(tt.b))
			assert.Equal(t, tt.equal, tt.a == tt.b, "== must agree with Equal")
			if tt.equal {
				assert.Equal(t, tt.a.Hash(), tt.b.Hash())
			}
		})
	}
}

func TestKeyAsMapKey(t *testing.T) {
	m := map[Key]int{}
	m[TupleKey(StringKey("post"), IntKey(42))]++
	m[TupleKey(StringKey("post"), IntKey(42))]++
	m[TupleKey(StringKey("post"), IntKey(43))]++

	assert.Len(t, m, 2)
	assert.Equal(t, 2, m[TupleKey(StringKey("post"), IntKey(42))])
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "user", StringKey("user").String())
	assert.Equal(t, "42", IntKey(42).String())
	assert.Equal(t, "types.color.3", EnumKey(color(3)).String())
	assert.Equal(t, "types.fetchUser", TypeKey[fetchUser]().String())
	assert.Equal(t, "(types.fetchUser, 1)", TupleKey(TypeKey[fetchUser](), IntKey(1)).String())
	assert.Equal(t, "<none>", Key{}.String())
}

func TestKeyOf(t *testing.T) {
	k, err := KeyOf([]any{"post", 3, reflect.TypeFor[fetchUser]()})
	require.NoError(t, err)
	assert.Equal(t, TupleKey(StringKey("post"), IntKey(3), TypeKey[fetchUser]()), k)
	assert.Equal(t, KindTuple, k.Kind())

	_, err = KeyOf(3.5)
	assert.Error(t, err)
}

func TestKeyZeroAndOr(t *testing.T) {
	var zero Key
	assert.True(t, zero.IsZero())
	assert.Equal(t, StringKey("fallback"), zero.Or(StringKey("fallback")))
	assert.Equal(t, IntKey(1), IntKey(1).Or(StringKey("fallback")))
}

func TestUserError(t *testing.T) {
	cause := errors.New("timeout")
	err := fmt.Errorf("load profile: %w", NewUserError("could not load profile").WithCause(cause))

	ue, ok := AsUserError(err)
	require.True(t, ok)
	assert.Equal(t, "could not load profile", ue.Msg)
	assert.ErrorIs(t, err, cause)

	_, ok = AsUserError(errors.New("plain"))
	assert.False(t, ok)

	assert.True(t, errors.Is(ErrNoConnectivity, ErrNoConnectivity))
	_, ok = AsUserError(ErrNoConnectivity)
	assert.True(t, ok)
}

func TestProtocolError(t *testing.T) {
	err := fmt.Errorf("sync: %w", &ProtocolError{Key: StringKey("todo"), Msg: "revision not reported"})
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "protocol fault on todo")
	assert.False(t, IsProtocolError(errors.New("x")))
}

func TestStatusRan(t *testing.T) {
	assert.True(t, StatusCompleted.Ran())
	assert.True(t, StatusFailed.Ran())
	for _, s := range []Status{StatusFresh, StatusRejected, StatusSuperseded, StatusDropped, StatusCoalesced} {
		assert.False(t, s.Ran(), string(s))
	}
}
