package streamcopy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/bufpool"
	"github.com/vyrodovalexey/avaproxy/internal/metrics/streaming"
)

// Mode selects a copy strategy.
type Mode int

// Copy modes, numbered as accepted on the command line.
const (
	// ModeDirect copies with io.Copy and its default buffering.
	ModeDirect Mode = iota

	// ModeBuffered copies through one pooled buffer of the configured chunk size.
	ModeBuffered

	// ModePipelined copies with the concurrent reader/writer Engine.
	ModePipelined
)

// Modes lists every supported mode.
var Modes = []Mode{ModeDirect, ModeBuffered, ModePipelined}

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeBuffered:
		return "buffered"
	case ModePipelined:
		return "pipelined"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	return m >= ModeDirect && m <= ModePipelined
}

// ParseMode parses a mode number ("0".."2") or name.
func ParseMode(s string) (Mode, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, m := range Modes {
		if s == m.String() {
			return m, nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	m := Mode(n)
	if !m.Valid() {
		return 0, fmt.Errorf("%w: %d (expected 0-%d)", ErrInvalidMode, n, int(ModePipelined))
	}
	return m, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return []byte(m.String()), nil
}

// Strategy copies a response body to a client.
type Strategy interface {
	Mode() Mode
	Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error)
}

// NewStrategy returns the strategy for mode. The buffered and
// pipelined strategies draw from the engine's pool.
func NewStrategy(mode Mode, engine *Engine) (Strategy, error) {
	var s Strategy
	switch mode {
	case ModeDirect:
		s = directStrategy{}
	case ModeBuffered:
		if engine == nil {
			return nil, ErrNoEngine
		}
		s = bufferedStrategy{pool: engine.pool}
	case ModePipelined:
		if engine == nil {
			return nil, ErrNoEngine
		}
		s = pipelinedStrategy{engine: engine}
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	return &instrumented{
		Strategy: s,
		metrics:  streaming.GetCopyMetrics(),
	}, nil
}

// directStrategy is the plain io.Copy path.
type directStrategy struct{}

func (directStrategy) Mode() Mode { return ModeDirect }

func (directStrategy) Copy(_ context.Context, dst io.Writer, src io.Reader) (int64, error) {
	tw := &trackingWriter{w: dst}
	n, err := io.Copy(tw, src)
	return n, classify(err, tw.err, n)
}

// bufferedStrategy copies through a single pooled buffer so every
// write carries at most one chunk.
type bufferedStrategy struct {
	pool *bufpool.Pool
}

func (bufferedStrategy) Mode() Mode { return ModeBuffered }

func (s bufferedStrategy) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf, err := s.pool.Get(ctx)
	if err != nil {
		return 0, &TransferError{Op: OpAcquire, Cause: err}
	}
	defer s.pool.Put(buf)

	tw := &trackingWriter{w: dst}
	// Hide ReaderFrom/WriterTo so CopyBuffer honours the chunk size.
	n, err := io.CopyBuffer(tw, readerOnly{src}, buf.Full())
	return n, classify(err, tw.err, n)
}

// pipelinedStrategy delegates to the Engine.
type pipelinedStrategy struct {
	engine *Engine
}

func (pipelinedStrategy) Mode() Mode { return ModePipelined }

func (s pipelinedStrategy) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return s.engine.Copy(ctx, dst, src)
}

// instrumented records copy metrics around a strategy.
type instrumented struct {
	Strategy
	metrics *streaming.CopyMetrics
}

func (s *instrumented) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	mode := s.Mode().String()
	start := time.Now()
	s.metrics.RecordStart(mode)

	n, err := s.Strategy.Copy(ctx, dst, src)

	s.metrics.RecordEnd(mode, outcome(err), n, time.Since(start))
	return n, err
}

// trackingWriter remembers the last write error so io.Copy failures
// can be attributed to the destination.
type trackingWriter struct {
	w   io.Writer
	err error
}

func (tw *trackingWriter) Write(p []byte) (int, error) {
	n, err := tw.w.Write(p)
	if err != nil {
		tw.err = err
	}
	return n, err
}

type readerOnly struct {
	io.Reader
}

// classify wraps an io.Copy error as a TransferError.
func classify(err, writeErr error, written int64) error {
	if err == nil {
		return nil
	}
	if writeErr != nil && (errors.Is(err, writeErr) || errors.Is(err, io.ErrShortWrite)) {
		return &TransferError{Op: OpWrite, Written: written, Cause: err}
	}
	if errors.Is(err, io.ErrShortWrite) {
		return &TransferError{Op: OpWrite, Written: written, Cause: err}
	}
	return &TransferError{Op: OpRead, Written: written, Cause: err}
}
