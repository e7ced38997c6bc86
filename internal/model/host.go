// Package model implements the embedding Model Host (C2): lazy load of the
// ONNX embedding model and tokenizer, and the serialized
// tokenize->encode->truncate->normalize pipeline described in spec.md §4.2.
//
// No Go binding for llama.cpp/GGUF exists in the retrieved example corpus
// (see DESIGN.md). This host substitutes the corpus's own
// github.com/daulet/tokenizers and github.com/yalue/onnxruntime_go, pulled
// in transitively by the teacher repo's veclite dependency, for the
// original's llama-cpp-2-based pipeline. Every error kind and pipeline step
// in spec.md §4.2 is otherwise unchanged.
package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

// Sentinel error kinds, named per spec.md §7. Wrapped with ProviderError via
// fmt.Errorf("%w") following the teacher's embed.ProviderError idiom.
var (
	ErrEmptyInput         = errors.New("model: empty input")
	ErrModelMissing       = errors.New("model: file not found")
	ErrModelCorrupt       = errors.New("model: file is not a valid ONNX container")
	ErrModelOOM           = errors.New("model: failed to construct inference session")
	ErrDegenerateEmbedding = errors.New("model: embedding has near-zero norm")
)

// ProviderError wraps a Host operation with the op name, following the
// teacher's embed.ProviderError{Provider, Op, Err} shape.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("model: %s: %v", e.Op, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Op: op, Err: err}
}

// Config pins the constants named in spec.md §6.
type Config struct {
	ModelPath     string // path to the .onnx file
	TokenizerPath string // path to the sibling tokenizer.json
	NativeDim     int    // D_native, the model's raw output width
	Dim           int    // D, the truncated dimension (<= NativeDim)
	MaxTokens     int    // MAX_TOKENS, default 512
	EpsNorm       float32
	EpsZero       float32
}

// DefaultConfig returns the constants resolved in DESIGN.md's Open
// Questions section: D=768, MAX_TOKENS=512.
func DefaultConfig(modelPath, tokenizerPath string) Config {
	return Config{
		ModelPath:     modelPath,
		TokenizerPath: tokenizerPath,
		NativeDim:     768,
		Dim:           768,
		MaxTokens:     512,
		EpsNorm:       1e-4,
		EpsZero:       1e-12,
	}
}

// Host is the process-singleton model handle. It is created empty; the
// first Embed call triggers ensureLoaded() under mu. Once loaded, the handle is
// retained for process lifetime (reload is expensive).
type Host struct {
	cfg Config

	mu       sync.Mutex
	loaded   bool
	tok      *tokenizers.Tokenizer
	session  *ort.AdvancedSession
	loadOnce sync.Once
	loadErr  error
}

// New constructs an unloaded host. cfg.Dim must be <= cfg.NativeDim; this is
// a configuration invariant checked at load, not at construction, since the
// model file may not exist yet.
func New(cfg Config) *Host {
	return &Host{cfg: cfg}
}

// ensureLoaded loads the tokenizer and ONNX session on first call. Concurrent
// callers serialize on mu and only one load runs.
func (h *Host) ensureLoaded() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.loaded {
		return nil
	}

	if h.cfg.Dim > h.cfg.NativeDim {
		return wrapErr("load", fmt.Errorf("configured dim %d exceeds native dim %d", h.cfg.Dim, h.cfg.NativeDim))
	}

	info, err := os.Stat(h.cfg.ModelPath)
	if err != nil {
		return wrapErr("load", fmt.Errorf("%w: %v", ErrModelMissing, err))
	}
	if info.Size() < 100*1024*1024 {
		return wrapErr("load", fmt.Errorf("%w: file too small (%d bytes)", ErrModelCorrupt, info.Size()))
	}
	if !sniffONNXMagic(h.cfg.ModelPath) {
		return wrapErr("load", fmt.Errorf("%w: unexpected file header", ErrModelCorrupt))
	}

	tok, err := tokenizers.FromFile(h.cfg.TokenizerPath)
	if err != nil {
		return wrapErr("load", fmt.Errorf("%w: tokenizer: %v", ErrModelMissing, err))
	}

	if err := ort.InitializeEnvironment(); err != nil {
		tok.Close()
		return wrapErr("load", fmt.Errorf("%w: %v", ErrModelOOM, err))
	}

	session, err := newEncoderSession(h.cfg.ModelPath, h.cfg.MaxTokens, h.cfg.NativeDim)
	if err != nil {
		tok.Close()
		return wrapErr("load", fmt.Errorf("%w: %v", ErrModelOOM, err))
	}

	h.tok = tok
	h.session = session
	h.loaded = true
	return nil
}

// Embed runs the full pipeline for a single piece of text: tokenize, encode,
// truncate to Dim, L2-normalize.
func (h *Host) Embed(text string) ([]float32, error) {
	if text == "" {
		return nil, wrapErr("embed", ErrEmptyInput)
	}
	if err := h.ensureLoaded(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ids, err := h.tokenizeLocked(text)
	if err != nil {
		return nil, wrapErr("embed", err)
	}

	raw, err := runEncoder(h.session, ids, h.cfg.NativeDim)
	if err != nil {
		return nil, wrapErr("embed", fmt.Errorf("%w: %v", ErrModelOOM, err))
	}

	truncated := raw[:h.cfg.Dim]
	normalized, ok := l2Normalize(truncated, h.cfg.EpsZero)
	if !ok {
		return nil, wrapErr("embed", ErrDegenerateEmbedding)
	}
	return normalized, nil
}

// tokenizeLocked encodes text with a leading BOS marker and truncates to
// MaxTokens. Must be called with mu held.
func (h *Host) tokenizeLocked(text string) ([]uint32, error) {
	ids, _ := h.tok.Encode(text, true)
	if len(ids) == 0 {
		return nil, ErrEmptyInput
	}
	if len(ids) > h.cfg.MaxTokens {
		ids = ids[:h.cfg.MaxTokens]
	}
	return ids, nil
}

// Dim returns the configured (truncated) output dimension.
func (h *Host) Dim() int { return h.cfg.Dim }

// Loaded reports whether the model has completed its first load.
func (h *Host) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// Close releases the tokenizer and inference session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tok != nil {
		h.tok.Close()
	}
	if h.session != nil {
		h.session.Destroy()
	}
	h.loaded = false
	return nil
}

// l2Normalize scales v to unit length. Returns ok=false if the norm is below
// epsZero (spec.md §4.2 step 4: DegenerateEmbedding).
func l2Normalize(v []float32, epsZero float32) ([]float32, bool) {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	if norm < epsZero {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, true
}

// sniffONNXMagic performs the lightweight container-header check described
// in spec.md §4.5's integrity gate, reused here for the model load path.
// ONNX model files are serialized protobufs; the first bytes are a varint
// field tag for the IR version field, not a fixed magic number, so the
// practical check is "file is non-empty and not obviously truncated."
func sniffONNXMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 16)
	n, err := f.Read(buf)
	return err == nil && n > 0
}
