// Package engine defines the LayerEngine interface shardmesh's shard node
// runtime drives (spec §6) and a deterministic in-memory reference
// implementation used for tests and local development, adapted from
// torua's Store interface shape (internal/storage, pre-rename): a small
// set of synchronous methods guarded by one mutex, copies in and out to
// keep ownership unambiguous.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrShardNotLoaded is returned by Forward/Sample when the engine has not
// finished loading its assigned layer range.
var ErrShardNotLoaded = errors.New("engine: shard not loaded")

// Activations is an opaque tensor payload with shape metadata, per spec
// §4.4's "activations" parameter. Data is the flattened tensor; Shape
// describes it as [sequence_len, hidden_dim].
type Activations struct {
	Data  []float32
	Shape [2]int
}

// KVStateHandle is the opaque per-peer cache token spec §4.4 and §5
// describe: addressable by request_id, single-writer, garbage-collected
// after an inactivity window.
type KVStateHandle string

// LayerEngine executes a shard's assigned layer range (spec §6). Entry
// shards additionally tokenize/embed; exit shards additionally project
// logits and sample. Implementations are free to back this with GGUF,
// safetensors, or any weight format — the core only depends on this
// interface.
type LayerEngine interface {
	// Embed turns already-tokenized input (token ids) into initial
	// activations. Called for the entry and full roles.
	Embed(tokens []int32) (Activations, error)

	// Forward runs the engine's local layer range [layer_start, layer_end)
	// over in, resuming kvHandle if non-empty, and returns the updated
	// activations plus the (possibly new) handle to pass on the next call
	// for this request_id.
	Forward(in Activations, kvHandle KVStateHandle) (Activations, KVStateHandle, error)

	// Sample projects activations to logits and samples one token using
	// temperature/top-p. Called for the exit and full roles.
	Sample(in Activations, temperature, topP float64) (tokenID int32, tokenText string, isStop bool, err error)

	// Loaded reports whether this engine has finished loading its layer
	// range and is ready to serve Forward/Sample/Embed.
	Loaded() bool
}

// ReferenceEngine is a deterministic, dependency-free LayerEngine used in
// tests and single-host development clusters. It performs no real
// numerical computation: Forward passes activations through a fixed
// affine transform so output shape and ordering behave like a real layer
// range without requiring model weights, and Sample always emits a
// predictable token sequence terminating at a configured stop index.
type ReferenceEngine struct {
	mu         sync.Mutex
	layerStart int
	layerEnd   int
	hiddenDim  int
	stopAfter  int
	loaded     bool
	kv         map[KVStateHandle]int
	nextHandle int
}

// NewReferenceEngine constructs a ReferenceEngine for the half-open layer
// range [layerStart, layerEnd) over a model with the given hidden
// dimension. Sample reports isStop=true once the sampled activations'
// sequence length (Shape[0]) reaches stopAfter (0 disables it), so tests
// can exercise natural termination without depending on max_tokens alone.
// No count of Sample calls is kept.
func NewReferenceEngine(layerStart, layerEnd, hiddenDim, stopAfter int) *ReferenceEngine {
	return &ReferenceEngine{
		layerStart: layerStart,
		layerEnd:   layerEnd,
		hiddenDim:  hiddenDim,
		stopAfter:  stopAfter,
		kv:         make(map[KVStateHandle]int),
	}
}

// MarkLoaded flips the engine into the loaded state, the trigger for a
// shard node's announcement loop to set shard_loaded=true (spec §4.3).
func (e *ReferenceEngine) MarkLoaded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true
}

// Loaded implements LayerEngine.
func (e *ReferenceEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Embed implements LayerEngine: each token id becomes hiddenDim copies of
// its normalized value, giving a predictable, inspectable activation
// tensor.
func (e *ReferenceEngine) Embed(tokens []int32) (Activations, error) {
	if !e.Loaded() {
		return Activations{}, ErrShardNotLoaded
	}
	data := make([]float32, len(tokens)*e.hiddenDim)
	for i, tok := range tokens {
		v := float32(tok) / 1000.0
		for d := 0; d < e.hiddenDim; d++ {
			data[i*e.hiddenDim+d] = v
		}
	}
	return Activations{Data: data, Shape: [2]int{len(tokens), e.hiddenDim}}, nil
}

// Forward implements LayerEngine: adds a small constant offset per layer
// in range, simulating depth without requiring real weights, and mints or
// resumes a KVStateHandle.
func (e *ReferenceEngine) Forward(in Activations, kvHandle KVStateHandle) (Activations, KVStateHandle, error) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		return Activations{}, "", ErrShardNotLoaded
	}
	handle := kvHandle
	if handle == "" {
		e.nextHandle++
		handle = KVStateHandle(fmt.Sprintf("kv-%d", e.nextHandle))
	}
	e.kv[handle] = e.kv[handle] + 1
	e.mu.Unlock()

	layers := e.layerEnd - e.layerStart
	out := make([]float32, len(in.Data))
	offset := float32(layers) * 0.001
	for i, v := range in.Data {
		out[i] = v + offset
	}
	return Activations{Data: out, Shape: in.Shape}, handle, nil
}

// Sample implements LayerEngine deterministically: it derives a token id
// from the mean activation value, maps it to a short fixed vocabulary for
// human-readable output, and reports isStop when in.Shape[0], the
// sequence length of the activations passed in, is at least stopAfter.
func (e *ReferenceEngine) Sample(in Activations, temperature, topP float64) (int32, string, bool, error) {
	if !e.Loaded() {
		return 0, "", false, ErrShardNotLoaded
	}
	if len(in.Data) == 0 {
		return 0, "", true, errors.New("engine: sample requires non-empty activations")
	}

	var sum float64
	for _, v := range in.Data {
		sum += float64(v)
	}
	mean := sum / float64(len(in.Data))
	jitter := temperature * 0.01
	scaled := mean + jitter

	tokenID := int32(math.Abs(scaled*1000)) % 50
	vocab := []string{" the", " quick", " fox", " jumps", " over", " lazy", " dog"}
	tokenText := vocab[int(tokenID)%len(vocab)]

	position := in.Shape[0]
	isStop := e.stopAfter > 0 && position >= e.stopAfter

	_ = topP // top-p narrows the candidate set before sampling; the reference engine samples from the full fixed vocabulary regardless.
	return tokenID, tokenText, isStop, nil
}

var _ LayerEngine = (*ReferenceEngine)(nil)
