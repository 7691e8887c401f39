package client_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flvision/client"
	"flvision/dataset"
	"flvision/device"
	"flvision/eval"
	"flvision/model"
	"flvision/params"
	"flvision/train"
)

func roundSamples(n, width int) []dataset.Sample {
	samples := make([]dataset.Sample, n)
	for i := range samples {
		label := i % 2
		f := make([]float64, width)
		for j := range f {
			v := 0.2 + 0.1*float64(j%5)
			if label == 1 {
				v = -v
			}
			f[j] = v + 0.01*float64(i%3)
		}
		samples[i] = dataset.Sample{Features: f, Label: label}
	}
	return samples
}

type fixture struct {
	client *client.Client
	mem    *device.Manager
	net    *model.Net
	trainN int
	evalN  int
}

func newFixture(t *testing.T, trainBatch int, checkpoint string) *fixture {
	t.Helper()
	mem := device.NewManager(64<<20, 1.0)
	net, err := model.NewNet(model.NewSeededEmbedder(7, 4, 6), 5, 2, 0.25, 11)
	require.NoError(t, err)

	trainPart, err := dataset.NewPartition(roundSamples(32, 4), 4, 2)
	require.NoError(t, err)
	evalPart, err := dataset.NewPartition(roundSamples(10, 4), 4, 2)
	require.NoError(t, err)

	c, err := client.New(client.Params{
		ID:    "client-a",
		Net:   net,
		Train: dataset.NewLoader(trainPart, mem, dataset.LoaderConfig{BatchSize: trainBatch, Shuffle: true, Workers: 1, Seed: 3}, nil),
		Eval:  dataset.NewLoader(evalPart, mem, dataset.LoaderConfig{BatchSize: 4, Workers: 1}, nil),
		Trainer: train.New(train.Config{
			LearningRate:    1e-3,
			WeightDecay:     0.01,
			ClipNorm:        1.0,
			PlateauFactor:   0.5,
			PlateauPatience: 2,
			LRFloor:         1e-6,
		}, mem, nil),
		Evaluator:  eval.New(mem, nil),
		Mem:        mem,
		Epochs:     1,
		Checkpoint: checkpoint,
	})
	require.NoError(t, err)
	return &fixture{client: c, mem: mem, net: net, trainN: 32, evalN: 10}
}

// breakShape truncates one tensor so it no longer matches the schema.
func breakShape(vec []params.Tensor) []params.Tensor {
	bad := make([]params.Tensor, len(vec))
	copy(bad, vec)
	bad[2] = params.Tensor{Dims: []int{1, 5}, Data: make([]float64, 5)}
	return bad
}

func TestNewValidates(t *testing.T) {
	_, err := client.New(client.Params{})
	require.Error(t, err)

	f := newFixture(t, 10, "")
	_, err = client.New(client.Params{Net: f.net})
	require.Error(t, err)
}

func TestNewAssignsID(t *testing.T) {
	f := newFixture(t, 10, "")
	assert.Equal(t, "client-a", f.client.ID())
}

func TestGetParametersExportsHead(t *testing.T) {
	f := newFixture(t, 10, "")

	vec, err := f.client.GetParameters()
	require.NoError(t, err)
	require.Len(t, vec, 4)

	schema := f.client.Schema()
	names := make([]string, len(schema.Entries))
	for i, e := range schema.Entries {
		names[i] = e.Name
		assert.Equal(t, e.Dims, vec[i].Dims)
	}
	assert.Equal(t, []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"}, names)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	f := newFixture(t, 10, "")

	vec, err := f.client.GetParameters()
	require.NoError(t, err)
	for i := range vec {
		for j := range vec[i].Data {
			vec[i].Data[j] = 0.5 + 0.001*float64(j)
		}
	}

	require.NoError(t, f.client.SetParameters(vec))
	got, err := f.client.GetParameters()
	require.NoError(t, err)
	assert.Equal(t, vec, got)
}

func TestSetParametersRejectsWrongShape(t *testing.T) {
	f := newFixture(t, 10, "")

	before, err := f.client.GetParameters()
	require.NoError(t, err)

	err = f.client.SetParameters(breakShape(before))
	require.Error(t, err)
	assert.ErrorIs(t, err, params.ErrShapeMismatch)

	after, err := f.client.GetParameters()
	require.NoError(t, err)
	assert.Equal(t, before, after, "a rejected vector must not move any tensor")
}

func TestFitReportsExactPartitionSize(t *testing.T) {
	for _, batch := range []int{10, 16, 32} {
		f := newFixture(t, batch, "")
		vec, err := f.client.GetParameters()
		require.NoError(t, err)

		res, err := f.client.Fit(vec, 1)
		require.NoError(t, err)
		assert.Equal(t, f.trainN, res.SampleCount, "batch size %d must not change the count", batch)
	}
}

func TestFitReturnsUpdatedParametersAndMetrics(t *testing.T) {
	f := newFixture(t, 10, "")
	vec, err := f.client.GetParameters()
	require.NoError(t, err)

	res, err := f.client.Fit(vec, 2)
	require.NoError(t, err)

	require.Len(t, res.Parameters, 4)
	assert.NotEqual(t, vec, res.Parameters, "training must move the head")
	assert.Equal(t, f.client.ID(), res.ClientID)
	assert.Contains(t, res.Metrics, "train_loss")
	assert.Contains(t, res.Metrics, "train_accuracy")
	assert.Equal(t, client.StateIdle, f.client.State())

	// The exported result is what the model now holds.
	now, err := f.client.GetParameters()
	require.NoError(t, err)
	assert.Equal(t, res.Parameters, now)
}

func TestFitShapeMismatchLeavesModelUntouched(t *testing.T) {
	f := newFixture(t, 10, "")
	before, err := f.client.GetParameters()
	require.NoError(t, err)

	_, err = f.client.Fit(breakShape(before), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, params.ErrShapeMismatch)
	assert.Equal(t, client.StateIdle, f.client.State())

	after, err := f.client.GetParameters()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEvaluateReportsExactPartitionSize(t *testing.T) {
	f := newFixture(t, 10, "")
	vec, err := f.client.GetParameters()
	require.NoError(t, err)

	res, err := f.client.Evaluate(vec)
	require.NoError(t, err)

	assert.Equal(t, f.evalN, res.SampleCount)
	acc := res.Metrics["accuracy"]
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
	assert.Equal(t, client.StateIdle, f.client.State())
}

func TestEvaluateOnlyAppliesIncomingParameters(t *testing.T) {
	f := newFixture(t, 10, "")
	vec, err := f.client.GetParameters()
	require.NoError(t, err)

	_, err = f.client.Evaluate(vec)
	require.NoError(t, err)

	after, err := f.client.GetParameters()
	require.NoError(t, err)
	assert.Equal(t, vec, after, "evaluation must not train")
}

func TestRoundsChain(t *testing.T) {
	f := newFixture(t, 10, "")
	vec, err := f.client.GetParameters()
	require.NoError(t, err)

	res, err := f.client.Fit(vec, 1)
	require.NoError(t, err)

	_, err = f.client.Evaluate(res.Parameters)
	require.NoError(t, err)

	_, err = f.client.Fit(res.Parameters, 1)
	require.NoError(t, err)
	assert.Equal(t, client.StateIdle, f.client.State())
}

func TestFitWritesCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "head.ckpt")
	f := newFixture(t, 10, path)
	vec, err := f.client.GetParameters()
	require.NoError(t, err)

	res, err := f.client.Fit(vec, 1)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	twin, err := model.NewNet(model.NewSeededEmbedder(7, 4, 6), 5, 2, 0.25, 99)
	require.NoError(t, err)
	require.NoError(t, params.LoadCheckpoint(path, twin))
	assert.Equal(t, res.Parameters, params.Export(twin))
}
