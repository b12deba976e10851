package tracer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{TargetPid: 1}.WithDefaults()

	assert.Equal(t, uint64(DefaultProcessingDelayMs), cfg.ProcessingDelayMs)
	assert.Equal(t, DefaultRoundRobinBatch, cfg.RoundRobinBatch)
	assert.Equal(t, uint64(DefaultSamplingPeriodNs), cfg.SamplingPeriodNs)
}

func TestConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{TargetPid: 1, ProcessingDelayMs: 50}.WithDefaults()
	assert.Equal(t, uint64(50), cfg.ProcessingDelayMs, "explicit ProcessingDelayMs overwritten by default")
}

func TestConfig_Validate_RequiresTargetPid(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate(), "expected error for missing target_pid")
}

func TestConfig_Validate_RequiresFunctionsWhenEnabled(t *testing.T) {
	cfg := Config{TargetPid: 1, TraceInstrumentedFunctions: true}
	require.Error(t, cfg.Validate(), "expected error when tracing functions with an empty list")
}

func TestConfig_Validate_RejectsFunctionWithoutBinaryPath(t *testing.T) {
	cfg := Config{TargetPid: 1, InstrumentedFunctions: []Function{{ID: "f"}}}
	require.Error(t, cfg.Validate(), "expected error for function missing binary_path")
}

func TestConfig_Validate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := Config{
		TargetPid:                  1,
		TraceInstrumentedFunctions: true,
		InstrumentedFunctions:      []Function{{ID: "f", BinaryPath: "/bin/target"}},
	}
	assert.NoError(t, cfg.Validate())
}
