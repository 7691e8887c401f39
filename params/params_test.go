package params_test

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flvision/params"
)

// fakeSource is a minimal model stand-in: two tensors with distinct shapes,
// backed by live slices the way a real head exposes its storage.
type fakeSource struct {
	schema params.Schema
	data   [][]float64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		schema: params.Schema{
			Version: "v1",
			Entries: []params.Entry{
				{Name: "fc1.weight", Dims: []int{2, 3}},
				{Name: "fc1.bias", Dims: []int{2}},
			},
		},
		data: [][]float64{
			{0.1, -0.2, 0.3, 1.5, math.Pi, -7.25},
			{0.5, -0.5},
		},
	}
}

func (f *fakeSource) Schema() params.Schema { return f.schema }

func (f *fakeSource) Parameters() []params.Param {
	ps := make([]params.Param, len(f.data))
	for i, e := range f.schema.Entries {
		ps[i] = params.Param{Name: e.Name, Dims: e.Dims, Data: f.data[i]}
	}
	return ps
}

func (f *fakeSource) snapshot() [][]float64 {
	out := make([][]float64, len(f.data))
	for i, d := range f.data {
		out[i] = append([]float64(nil), d...)
	}
	return out
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newFakeSource()
	before := src.snapshot()

	vec := params.Export(src)
	require.Len(t, vec, 2)

	// Perturb the model, then restore it from the exported vector.
	src.data[0][0] = 99
	src.data[1][1] = -99
	require.NoError(t, params.Import(src, vec))

	for i := range before {
		for j := range before[i] {
			if src.data[i][j] != before[i][j] {
				t.Fatalf("tensor %d[%d]: got %v, want bit-identical %v", i, j, src.data[i][j], before[i][j])
			}
		}
	}
}

func TestExportDetachedAndStable(t *testing.T) {
	src := newFakeSource()

	a := params.Export(src)
	b := params.Export(src)
	require.Equal(t, len(src.Schema().Entries), len(a))
	require.Equal(t, a, b)

	// Mutating an exported copy must not reach the model.
	a[0].Data[0] = 1234
	assert.Equal(t, 0.1, src.data[0][0])
}

func TestImportLengthMismatch(t *testing.T) {
	src := newFakeSource()
	before := src.snapshot()

	vec := params.Export(src)
	err := params.Import(src, vec[:1])
	require.Error(t, err)
	assert.ErrorIs(t, err, params.ErrShapeMismatch)

	var sm *params.ShapeMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Equal(t, -1, sm.Index)

	assert.Equal(t, before, src.snapshot(), "failed import must not write anything")
}

func TestImportShapeMismatch(t *testing.T) {
	src := newFakeSource()
	before := src.snapshot()

	vec := params.Export(src)
	vec[1] = params.Tensor{Dims: []int{3}, Data: []float64{1, 2, 3}}

	err := params.Import(src, vec)
	require.ErrorIs(t, err, params.ErrShapeMismatch)

	var sm *params.ShapeMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Equal(t, 1, sm.Index)
	assert.Equal(t, "fc1.bias", sm.Name)

	assert.Equal(t, before, src.snapshot())
}

func TestImportInconsistentData(t *testing.T) {
	src := newFakeSource()
	before := src.snapshot()

	vec := params.Export(src)
	vec[0].Data = vec[0].Data[:3] // dims still claim 6 values

	err := params.Import(src, vec)
	require.ErrorIs(t, err, params.ErrShapeMismatch)
	assert.Equal(t, before, src.snapshot())
}

func TestSchemaDigest(t *testing.T) {
	s := newFakeSource().Schema()
	assert.Equal(t, s.Digest(), s.Digest(), "digest must be stable")

	bumped := s
	bumped.Version = "v2"
	assert.NotEqual(t, s.Digest(), bumped.Digest())

	reordered := params.Schema{Version: s.Version, Entries: []params.Entry{s.Entries[1], s.Entries[0]}}
	assert.NotEqual(t, s.Digest(), reordered.Digest(), "digest must be order-sensitive")
}

func TestCheckpointRoundTrip(t *testing.T) {
	src := newFakeSource()
	path := filepath.Join(t.TempDir(), "head.gob")
	require.NoError(t, params.SaveCheckpoint(path, src))

	src.data[0][2] = 42
	require.NoError(t, params.LoadCheckpoint(path, src))
	assert.Equal(t, 0.3, src.data[0][2])
}

func TestCheckpointSchemaGuard(t *testing.T) {
	src := newFakeSource()
	path := filepath.Join(t.TempDir(), "head.gob")
	require.NoError(t, params.SaveCheckpoint(path, src))

	other := newFakeSource()
	other.schema.Version = "v2"
	err := params.LoadCheckpoint(path, other)
	require.ErrorIs(t, err, params.ErrShapeMismatch)
}
