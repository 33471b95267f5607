package hotswap

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	type wrapper struct{ n int }

	cases := map[string]struct {
		in   any
		want reflect.Type
		ok   bool
		out  any
	}{
		"exact type": {
			in: 42, want: reflect.TypeOf(0), ok: true, out: 42,
		},
		"string": {
			in: "x", want: reflect.TypeOf(""), ok: true, out: "x",
		},
		"struct": {
			in: wrapper{7}, want: reflect.TypeOf(wrapper{}), ok: true, out: wrapper{7},
		},
		"concrete into interface": {
			in: 42, want: reflect.TypeOf((*any)(nil)).Elem(), ok: true, out: 42,
		},
		"int into int64": {
			in: 42, want: reflect.TypeOf(int64(0)), ok: true, out: int64(42),
		},
		"int64 into int8 when it fits": {
			in: int64(100), want: reflect.TypeOf(int8(0)), ok: true, out: int8(100),
		},
		"int64 into int8 overflow": {
			in: int64(1000), want: reflect.TypeOf(int8(0)), ok: false,
		},
		"uint widths": {
			in: uint8(200), want: reflect.TypeOf(uint64(0)), ok: true, out: uint64(200),
		},
		"signed never becomes unsigned": {
			in: 1, want: reflect.TypeOf(uint(0)), ok: false,
		},
		"unsigned never becomes signed": {
			in: uint(1), want: reflect.TypeOf(0), ok: false,
		},
		"int never becomes float": {
			in: 1, want: reflect.TypeOf(float64(0)), ok: false,
		},
		"float widths": {
			in: float32(1.5), want: reflect.TypeOf(float64(0)), ok: true, out: float64(1.5),
		},
		"float64 into float32 overflow": {
			in: 1e200, want: reflect.TypeOf(float32(0)), ok: false,
		},
		"string never becomes int": {
			in: "5", want: reflect.TypeOf(0), ok: false,
		},
		"nil into pointer": {
			in: nil, want: reflect.TypeOf((*int)(nil)), ok: true, out: (*int)(nil),
		},
		"nil into slice": {
			in: nil, want: reflect.TypeOf([]int(nil)), ok: true, out: []int(nil),
		},
		"nil into error": {
			in: nil, want: reflect.TypeOf((*error)(nil)).Elem(), ok: true,
		},
		"nil into int": {
			in: nil, want: reflect.TypeOf(0), ok: false,
		},
		"nil into struct": {
			in: nil, want: reflect.TypeOf(wrapper{}), ok: false,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v, ok := coerce(tc.in, tc.want)
			if !tc.ok {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.want, v.Type())
			if tc.out != nil {
				assert.Equal(t, tc.out, v.Interface())
			}
		})
	}
}

func TestZeroResults(t *testing.T) {
	assert := assert.New(t)

	ft := reflect.TypeOf(func() (int, string, *int, error) { return 0, "", nil, nil })
	out := zeroResults(ft)

	assert.Len(out, 4)
	assert.Equal(0, out[0].Interface())
	assert.Equal("", out[1].Interface())
	assert.Nil(out[2].Interface())
	assert.Nil(out[3].Interface())
}

func TestFuncvalAddr_StableForSameFunc(t *testing.T) {
	assert := assert.New(t)

	v := reflect.ValueOf(addInts)
	a := funcvalAddr(v)
	b := funcvalAddr(reflect.ValueOf(addInts))

	assert.NotZero(a)
	assert.Equal(a, b)
}
