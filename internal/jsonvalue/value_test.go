package jsonvalue

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseObject_Nested(t *testing.T) {
	v, err := ParseObject(`{"command":"ls -la","timeout":30,"flags":[true,null,"x"],"env":{"A":"1"}}`)
	require.NoError(t, err)
	require.Equal(t, KindObject, v.Kind())
	require.Equal(t, []string{"command", "env", "flags", "timeout"}, v.Keys())

	cmd, ok := v.Get("command")
	require.True(t, ok)
	s, ok := cmd.AsString()
	require.True(t, ok)
	require.Equal(t, "ls -la", s)

	timeout, _ := v.Get("timeout")
	f, ok := timeout.AsFloat()
	require.True(t, ok)
	require.Equal(t, 30.0, f)

	flags, _ := v.Get("flags")
	require.Equal(t, 3, flags.Len())
	second, ok := flags.Index(1)
	require.True(t, ok)
	require.True(t, second.IsNull())

	env, _ := v.Get("env")
	a, _ := env.Get("A")
	require.Equal(t, String("1"), a)
}

func TestParseObject_Rejects(t *testing.T) {
	_, err := ParseObject(`{"a":`)
	require.Error(t, err)

	_, err = ParseObject(`[1,2]`)
	require.ErrorIs(t, err, ErrNotObject)

	_, err = ParseObject(``)
	require.Error(t, err)
}

func TestAccessors_WrongKind(t *testing.T) {
	v := String("x")

	_, ok := v.AsFloat()
	require.False(t, ok)
	_, ok = v.AsBool()
	require.False(t, ok)
	_, ok = v.AsObject()
	require.False(t, ok)
	_, ok = v.Get("k")
	require.False(t, ok)
	_, ok = v.Index(0)
	require.False(t, ok)
	require.Zero(t, v.Len())
	require.Nil(t, v.Keys())

	arr := Array(Bool(true))
	_, ok = arr.Index(1)
	require.False(t, ok)
	_, ok = arr.Index(-1)
	require.False(t, ok)
}

func TestMarshalJSON_SortedAndExact(t *testing.T) {
	v, err := Parse(`{"b":12345678901234567890,"a":"q\"uote","c":[1.5,false]}`)
	require.NoError(t, err)

	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `{"a":"q\"uote","b":12345678901234567890,"c":[1.5,false]}`, string(b))
}

func TestNumber_NonFinite(t *testing.T) {
	require.True(t, Number(math.NaN()).IsNull())
	require.True(t, Number(math.Inf(1)).IsNull())
	require.Equal(t, "2.5", Number(2.5).String())
}

func TestEmptyObject(t *testing.T) {
	v := EmptyObject()
	require.Equal(t, KindObject, v.Kind())
	require.Equal(t, "{}", v.String())
	require.True(t, v.Equal(Object(map[string]Value{})))
}

func TestUnmarshalJSON(t *testing.T) {
	var holder struct {
		Input Value `json:"input"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"input":{"path":"/tmp"}}`), &holder))
	p, ok := holder.Input.Get("path")
	require.True(t, ok)
	require.Equal(t, String("/tmp"), p)
}

func genValue(depth int) *rapid.Generator[Value] {
	return rapid.Custom(func(t *rapid.T) Value {
		hi := 5
		if depth <= 0 {
			hi = 3
		}
		switch rapid.IntRange(0, hi).Draw(t, "kind") {
		case 0:
			return Null()
		case 1:
			return Bool(rapid.Bool().Draw(t, "b"))
		case 2:
			return Number(float64(rapid.Int32().Draw(t, "n")))
		case 3:
			return String(rapid.String().Draw(t, "s"))
		case 4:
			items := rapid.SliceOfN(genValue(depth-1), 0, 3).Draw(t, "items")
			return Array(items...)
		default:
			fields := rapid.MapOfN(rapid.String(), genValue(depth-1), 0, 3).Draw(t, "fields")
			return Object(fields)
		}
	})
}

func TestValue_EncodeParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := genValue(3).Draw(t, "value")

		text := v.String()
		back, err := Parse(text)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		if !v.Equal(back) {
			t.Fatalf("round trip mismatch: %s vs %s", text, back.String())
		}
	})
}
