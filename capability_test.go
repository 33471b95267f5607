package hotswap

import (
	"errors"
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemCapability_ReadBytes(t *testing.T) {
	assert := assert.New(t)

	cap := SystemCapability()
	src := []byte{1, 2, 3, 4}

	got := cap.ReadBytes(uintptr(unsafe.Pointer(unsafe.SliceData(src))), len(src))
	assert.Equal(src, got)

	// The copy is independent of the source.
	src[0] = 99
	assert.EqualValues(1, got[0])
}

func TestSystemCapability_AllocateUninitialized(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	type record struct {
		N int
		S string
	}

	cap := SystemCapability()

	v, err := cap.AllocateUninitialized(reflect.TypeOf(record{}))
	require.NoError(err)
	assert.Equal(record{}, v.Interface())

	_, err = cap.AllocateUninitialized(nil)
	assert.Error(err)
}

func TestSystemCapability_TrustedCall(t *testing.T) {
	assert := assert.New(t)

	cap := SystemCapability()

	ran := false
	assert.NoError(cap.TrustedCall(func() error {
		ran = true
		return nil
	}))
	assert.True(ran)

	boom := errors.New("boom")
	assert.ErrorIs(cap.TrustedCall(func() error { return boom }), boom)
}
