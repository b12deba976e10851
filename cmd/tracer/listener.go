package main

import (
	"github.com/rs/zerolog"

	"github.com/tracesplice/tracer/internal/tracer"
)

// stdoutListener is the tracer.Listener used by the CLI: it logs every
// record as a structured line rather than holding anything in memory.
type stdoutListener struct {
	logger zerolog.Logger
}

func newStdoutListener(logger zerolog.Logger) *stdoutListener {
	return &stdoutListener{logger: logger.With().Str("component", "listener").Logger()}
}

func (l *stdoutListener) OnTid(tid int32) {
	l.logger.Info().Int32("tid", tid).Msg("thread observed")
}

func (l *stdoutListener) OnContextSwitchIn(rec tracer.ContextSwitchRecord) {
	l.logger.Debug().Int32("tid", rec.Tid).Int32("cpu", rec.Cpu).Uint64("ts", rec.TsN).Msg("context switch in")
}

func (l *stdoutListener) OnContextSwitchOut(rec tracer.ContextSwitchRecord) {
	l.logger.Debug().Int32("tid", rec.Tid).Int32("cpu", rec.Cpu).Uint64("ts", rec.TsN).Msg("context switch out")
}

func (l *stdoutListener) OnFunctionCall(rec tracer.FunctionCall) {
	l.logger.Info().
		Int32("tid", rec.Tid).
		Uint64("function_va", rec.FunctionVirtualAddress).
		Uint64("begin_ts", rec.BeginTs).
		Uint64("end_ts", rec.EndTs).
		Int("depth", rec.Depth).
		Msg("function call")
}

func (l *stdoutListener) OnCallstack(rec tracer.Callstack) {
	frames := make([]string, len(rec.Frames))
	for i, f := range rec.Frames {
		if f.FunctionName != "" {
			frames[i] = f.FunctionName
		} else {
			frames[i] = f.MapName
		}
	}
	l.logger.Debug().Int32("tid", rec.Tid).Uint64("ts", rec.TsN).Strs("frames", frames).Msg("callstack")
}

func (l *stdoutListener) OnFunctionBegin(rec tracer.FunctionBoundary) {
	l.logger.Debug().Int32("tid", rec.Tid).Uint64("function_va", rec.FunctionVirtualAddress).Msg("function begin")
}

func (l *stdoutListener) OnFunctionEnd(rec tracer.FunctionBoundary) {
	l.logger.Debug().Int32("tid", rec.Tid).Uint64("function_va", rec.FunctionVirtualAddress).Msg("function end")
}
