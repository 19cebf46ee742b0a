package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardmesh/internal/engine"
)

func TestForwardFailsBeforeLoaded(t *testing.T) {
	e := engine.NewReferenceEngine(0, 8, 4, 3)
	_, _, err := e.Forward(engine.Activations{Data: []float32{1, 2, 3, 4}, Shape: [2]int{1, 4}}, "")
	assert.ErrorIs(t, err, engine.ErrShardNotLoaded)
}

func TestEmbedProducesShapedActivations(t *testing.T) {
	e := engine.NewReferenceEngine(0, 8, 4, 3)
	e.MarkLoaded()

	act, err := e.Embed([]int32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, [2]int{3, 4}, act.Shape)
	assert.Len(t, act.Data, 12)
}

func TestForwardMintsKVHandleWhenNoneSupplied(t *testing.T) {
	e := engine.NewReferenceEngine(8, 16, 4, 3)
	e.MarkLoaded()

	act := engine.Activations{Data: []float32{0.1, 0.2, 0.3, 0.4}, Shape: [2]int{1, 4}}
	out, handle, err := e.Forward(act, "")
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, act.Shape, out.Shape)
}

func TestForwardResumesSuppliedKVHandle(t *testing.T) {
	e := engine.NewReferenceEngine(8, 16, 4, 3)
	e.MarkLoaded()

	act := engine.Activations{Data: []float32{0.1, 0.2, 0.3, 0.4}, Shape: [2]int{1, 4}}
	_, handle, err := e.Forward(act, "")
	require.NoError(t, err)

	_, handle2, err := e.Forward(act, handle)
	require.NoError(t, err)
	assert.Equal(t, handle, handle2)
}

func TestSampleReturnsStopAfterConfiguredPosition(t *testing.T) {
	e := engine.NewReferenceEngine(24, 32, 4, 2)
	e.MarkLoaded()

	act := engine.Activations{Data: []float32{1, 1, 1, 1}, Shape: [2]int{2, 4}}
	_, _, isStop, err := e.Sample(act, 0.7, 0.9)
	require.NoError(t, err)
	assert.True(t, isStop)
}

func TestSampleReturnsNonStopBeforeConfiguredPosition(t *testing.T) {
	e := engine.NewReferenceEngine(24, 32, 4, 5)
	e.MarkLoaded()

	act := engine.Activations{Data: []float32{1, 1, 1, 1}, Shape: [2]int{0, 4}}
	_, text, isStop, err := e.Sample(act, 0.7, 0.9)
	require.NoError(t, err)
	assert.False(t, isStop)
	assert.NotEmpty(t, text)
}

func TestSampleRejectsEmptyActivations(t *testing.T) {
	e := engine.NewReferenceEngine(24, 32, 4, 5)
	e.MarkLoaded()

	_, _, _, err := e.Sample(engine.Activations{}, 0.7, 0.9)
	assert.Error(t, err)
}

func TestLoadedReflectsMarkLoaded(t *testing.T) {
	e := engine.NewReferenceEngine(0, 8, 4, 3)
	assert.False(t, e.Loaded())
	e.MarkLoaded()
	assert.True(t, e.Loaded())
}
