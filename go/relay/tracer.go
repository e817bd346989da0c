package relay

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Call is one trip through a relay stub.
type Call struct {
	Stub    uint64
	Target  uint64
	Module  string
	Ordinal uint32
	Symbol  string
	Args    []uint64
}

func (c *Call) String() string {
	name := c.Symbol
	if name == "" {
		name = fmt.Sprintf("#%d", c.Ordinal)
	}
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = fmt.Sprintf("%#x", a)
	}
	return fmt.Sprintf("%s!%s(%s) -> %#x", strings.TrimSuffix(c.Module, ".dll"), name, strings.Join(args, ", "), c.Target)
}

type Tracer interface {
	Call(c *Call)
}

type LogTracer struct {
	log *zap.Logger
}

func NewLogTracer(log *zap.Logger) *LogTracer {
	return &LogTracer{log: log}
}

func (t *LogTracer) Call(c *Call) {
	t.log.Info("call",
		zap.String("module", c.Module),
		zap.String("symbol", c.Symbol),
		zap.Uint32("ordinal", c.Ordinal),
		zap.Uint64s("args", c.Args),
		zap.String("target", fmt.Sprintf("%#x", c.Target)))
}

type MultiTracer []Tracer

func (m MultiTracer) Call(c *Call) {
	for _, t := range m {
		t.Call(c)
	}
}
