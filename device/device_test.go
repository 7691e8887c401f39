package device_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flvision/device"
)

func TestManagerCeiling(t *testing.T) {
	// budget 8000 bytes at fraction 0.5 -> ceiling 4000 bytes = 500 floats.
	m := device.NewManager(8000, 0.5)
	require.Equal(t, uint64(4000), m.Ceiling())

	a, err := m.Alloc(400)
	require.NoError(t, err)
	require.Len(t, a, 400)

	_, err = m.Alloc(200)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrResourceExhausted)

	var re *device.ResourceExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, uint64(200*8), re.Requested)
	assert.Equal(t, uint64(400*8), re.InUse)
}

func TestManagerReuse(t *testing.T) {
	m := device.NewManager(10000, 1.0)

	a, err := m.Alloc(64)
	require.NoError(t, err)
	a[0] = 7
	m.Release(a)
	assert.Equal(t, uint64(0), m.InUse())
	assert.Equal(t, uint64(64*8), m.Cached())

	b, err := m.Alloc(64)
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0], "same-size alloc should reuse the cached buffer")
	assert.Equal(t, 0.0, b[0], "reused buffers must come back zeroed")
}

func TestManagerCleanupReclaims(t *testing.T) {
	// Ceiling of 100 floats. Park 80, then ask for 40: only a cleanup can
	// make room, which is exactly the documented retry-once policy.
	m := device.NewManager(800, 1.0)

	a, err := m.Alloc(80)
	require.NoError(t, err)
	m.Release(a)

	_, err = m.Alloc(40)
	require.ErrorIs(t, err, device.ErrResourceExhausted)

	m.Cleanup()
	assert.Equal(t, uint64(0), m.Cached())

	b, err := m.Alloc(40)
	require.NoError(t, err)
	require.Len(t, b, 40)
}

func TestManagerFractionFallback(t *testing.T) {
	m := device.NewManager(1000, 0)
	assert.Equal(t, uint64(400), m.Ceiling())

	m = device.NewManager(1000, 1.5)
	assert.Equal(t, uint64(400), m.Ceiling())
}

func TestParseKind(t *testing.T) {
	k, err := device.ParseKind("cpu")
	require.NoError(t, err)
	assert.Equal(t, device.CPU, k)

	k, err = device.ParseKind("cuda")
	require.NoError(t, err)
	assert.Equal(t, device.CUDA, k)

	_, err = device.ParseKind("tpu")
	require.Error(t, err)
}

func TestNewContext(t *testing.T) {
	budget := uint64(1 << 20)
	ctx, err := device.NewContext("cpu", budget, 0.4)
	require.NoError(t, err)
	assert.Equal(t, device.CPU, ctx.Kind)
	assert.Equal(t, uint64(float64(budget)*0.4), ctx.Mem.Ceiling())

	_, err = device.NewContext("npu", budget, 0.4)
	require.Error(t, err)
}
