package eval_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flvision/dataset"
	"flvision/device"
	"flvision/eval"
	"flvision/model"
	"flvision/params"
)

func newEvalNet(t *testing.T, width int) *model.Net {
	t.Helper()
	bb := model.NewSeededEmbedder(7, width, 6)
	net, err := model.NewNet(bb, 5, 2, 0.25, 11)
	require.NoError(t, err)
	return net
}

func evalSamples(n, width int) []dataset.Sample {
	samples := make([]dataset.Sample, n)
	for i := range samples {
		f := make([]float64, width)
		for j := range f {
			f[j] = 0.1*float64(j+1) - 0.05*float64(i%4)
		}
		samples[i] = dataset.Sample{Features: f, Label: i % 2}
	}
	return samples
}

func newEvalLoader(t *testing.T, samples []dataset.Sample, classes int, mem *device.Manager, batch int) *dataset.Loader {
	t.Helper()
	part, err := dataset.NewPartition(samples, len(samples[0].Features), classes)
	require.NoError(t, err)
	return dataset.NewLoader(part, mem, dataset.LoaderConfig{
		BatchSize: batch,
		Shuffle:   false,
		Workers:   1,
	}, nil)
}

func TestRunReportsExactSampleCount(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4)
	loader := newEvalLoader(t, evalSamples(10, 4), 2, mem, 4)

	loss, acc, n, err := eval.New(mem, nil).Run(net, loader)
	require.NoError(t, err)

	assert.Equal(t, 10, n)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.GreaterOrEqual(t, loss, 0.0)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
}

func TestRunNeverMutatesParameters(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4)
	loader := newEvalLoader(t, evalSamples(10, 4), 2, mem, 4)

	before := params.Export(net)
	_, _, _, err := eval.New(mem, nil).Run(net, loader)
	require.NoError(t, err)
	after := params.Export(net)

	assert.Equal(t, before, after)
}

func TestRunDeterministic(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4)
	loader := newEvalLoader(t, evalSamples(10, 4), 2, mem, 4)
	ev := eval.New(mem, nil)

	loss1, acc1, _, err := ev.Run(net, loader)
	require.NoError(t, err)
	loss2, acc2, _, err := ev.Run(net, loader)
	require.NoError(t, err)

	// Dropout is inert in eval mode, so the two passes are bit-identical.
	assert.Equal(t, loss1, loss2)
	assert.Equal(t, acc1, acc2)
}

func TestRunBatchSizeInvariance(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4)
	samples := evalSamples(10, 4)

	small := newEvalLoader(t, samples, 2, mem, 3) // 3,3,3,1
	whole := newEvalLoader(t, samples, 2, mem, 10)
	ev := eval.New(mem, nil)

	lossSmall, accSmall, _, err := ev.Run(net, small)
	require.NoError(t, err)
	lossWhole, accWhole, _, err := ev.Run(net, whole)
	require.NoError(t, err)

	assert.InDelta(t, lossWhole, lossSmall, 1e-12)
	assert.Equal(t, accWhole, accSmall)
}

func TestRunRestoresTrainingMode(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4)
	loader := newEvalLoader(t, evalSamples(10, 4), 2, mem, 4)

	net.Train()
	_, _, _, err := eval.New(mem, nil).Run(net, loader)
	require.NoError(t, err)
	assert.True(t, net.Training(), "a fit in progress must survive an interleaved evaluation")
}

func TestRunRejectsBadLabel(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4) // head knows two classes

	samples := evalSamples(10, 4)
	samples[5].Label = 2
	loader := newEvalLoader(t, samples, 3, mem, 10)

	_, _, _, err := eval.New(mem, nil).Run(net, loader)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrMalformedBatch))
}

func TestRunReclaimsPerBatch(t *testing.T) {
	mem := device.NewManager(64<<20, 1.0)
	net := newEvalNet(t, 4)
	loader := newEvalLoader(t, evalSamples(10, 4), 2, mem, 4)

	_, _, _, err := eval.New(mem, nil).Run(net, loader)
	require.NoError(t, err)

	assert.Zero(t, mem.InUse())
	assert.Zero(t, mem.Cached(), "every batch is released and the cache reclaimed in-pass")
}
