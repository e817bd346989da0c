package relay

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	TraceMagic   = "PCRT"
	TraceVersion = 1
)

type TraceHeader struct {
	Magic   string `struc:"[4]byte"`
	Version uint32
	// address width of the traced space
	Bits uint8
}

type traceFrame struct {
	Stub      uint64
	Target    uint64
	Ordinal   uint32
	ModuleLen int `struc:"uint8,sizeof=Module"`
	Module    string
	SymbolLen int `struc:"uint16,sizeof=Symbol"`
	Symbol    string
	ArgCount  int `struc:"uint8,sizeof=Args"`
	Args      []uint64
}

// FileTracer appends calls to a trace file: a plain header followed by a
// snappy stream of frames.
type FileTracer struct {
	mu  sync.Mutex
	w   io.WriteCloser
	zw  *snappy.Writer
	err error
}

func NewFileTracer(w io.WriteCloser, bits uint) (*FileTracer, error) {
	header := &TraceHeader{Magic: TraceMagic, Version: TraceVersion, Bits: uint8(bits)}
	if err := struc.PackWithOrder(w, header, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &FileTracer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

func (t *FileTracer) Call(c *Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	args := c.Args
	if len(args) > 0xff {
		args = args[:0xff]
	}
	frame := &traceFrame{
		Stub: c.Stub, Target: c.Target, Ordinal: c.Ordinal,
		Module: c.Module, Symbol: c.Symbol, Args: args,
	}
	t.err = struc.PackWithOrder(t.zw, frame, binary.LittleEndian)
}

// Err reports the first write failure; calls after it are dropped.
func (t *FileTracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *FileTracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.zw.Close(); err != nil {
		t.w.Close()
		return err
	}
	return t.w.Close()
}

type TraceReader struct {
	Header TraceHeader
	r      io.ReadCloser
	zr     *snappy.Reader
}

func NewTraceReader(r io.ReadCloser) (*TraceReader, error) {
	t := &TraceReader{r: r}
	if err := struc.UnpackWithOrder(r, &t.Header, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TraceMagic {
		return nil, errors.New("invalid trace file magic")
	}
	if t.Header.Version != TraceVersion {
		return nil, errors.Errorf("unsupported trace version %d", t.Header.Version)
	}
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns the next call, or io.EOF at the end of the trace.
func (t *TraceReader) Next() (*Call, error) {
	var frame traceFrame
	if err := struc.UnpackWithOrder(t.zr, &frame, binary.LittleEndian); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(err, "truncated trace")
		}
		return nil, err
	}
	return &Call{
		Stub: frame.Stub, Target: frame.Target, Ordinal: frame.Ordinal,
		Module: frame.Module, Symbol: frame.Symbol, Args: frame.Args,
	}, nil
}

func (t *TraceReader) Close() error {
	t.zr.Reset(nil)
	return t.r.Close()
}
