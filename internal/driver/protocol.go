package driver

import (
	"fmt"

	"execution_service/internal/models"

	"github.com/tinylib/msgp/msgp"
)

// The agent protocol's outgoing messages are MessagePack maps keyed by
// "type" plus a payload, mirroring
// original_source/backend/penguin_judge/judge/docker.py's inline dicts
// (`{'type': 'Compilation', 'code': ..., ...}`).

func encodeCompilation(code []byte, timeLimitSec, memoryLimitMb int) []byte {
	b := msgp.AppendMapHeader(nil, 4)
	b = msgp.AppendString(b, "type")
	b = msgp.AppendString(b, "Compilation")
	b = msgp.AppendString(b, "code")
	b = msgp.AppendBytes(b, code)
	b = msgp.AppendString(b, "time_limit")
	b = msgp.AppendInt64(b, int64(timeLimitSec))
	b = msgp.AppendString(b, "memory_limit")
	b = msgp.AppendInt64(b, int64(memoryLimitMb))
	return b
}

func encodePreparation(code []byte, timeLimitSec, memoryLimitMb, outputLimitMb int) []byte {
	b := msgp.AppendMapHeader(nil, 5)
	b = msgp.AppendString(b, "type")
	b = msgp.AppendString(b, "Preparation")
	b = msgp.AppendString(b, "code")
	b = msgp.AppendBytes(b, code)
	b = msgp.AppendString(b, "time_limit")
	b = msgp.AppendInt64(b, int64(timeLimitSec))
	b = msgp.AppendString(b, "memory_limit")
	b = msgp.AppendInt64(b, int64(memoryLimitMb))
	b = msgp.AppendString(b, "output_limit")
	b = msgp.AppendInt64(b, int64(outputLimitMb))
	return b
}

func encodeTest(input []byte) []byte {
	b := msgp.AppendMapHeader(nil, 2)
	b = msgp.AppendString(b, "type")
	b = msgp.AppendString(b, "Test")
	b = msgp.AppendString(b, "input")
	b = msgp.AppendBytes(b, input)
	return b
}

// decodeCompilationReply parses the agent's reply to a Compilation
// message: either a compiled artifact ({"binary": ..., "time": ...})
// or a verdict-carrying error ({"kind": ...}), per spec §4.4.
func decodeCompilationReply(body []byte) (*models.AgentCompilationResult, models.Verdict, error) {
	m, err := decodeMap(body)
	if err != nil {
		return nil, models.VerdictInternalError, err
	}

	if kind, ok, err := m.str("kind"); err != nil {
		return nil, models.VerdictInternalError, err
	} else if ok {
		verdict, known := models.VerdictFromName(kind)
		if !known {
			return nil, models.VerdictInternalError, fmt.Errorf("%w: %q", ErrUnknownVerdictKind, kind)
		}
		return nil, verdict, nil
	}

	binary, ok, err := m.bytes("binary")
	if err != nil {
		return nil, models.VerdictInternalError, err
	}
	if !ok {
		return nil, models.VerdictInternalError, fmt.Errorf("%w: compilation reply missing binary and kind", ErrAgentFraming)
	}

	timeSec, _, err := m.float64("time")
	if err != nil {
		return nil, models.VerdictInternalError, err
	}

	// VerdictWaiting is a placeholder here: callers must only consult
	// the verdict when the returned result is nil.
	return &models.AgentCompilationResult{
		Binary: binary,
		TimeMs: int64(timeSec * 1000),
	}, models.VerdictWaiting, nil
}

// decodeTestReply parses the agent's reply to a Test message: either a
// measured run ({"output": ..., "time": ..., "memory_bytes": ...}) or
// an error ({"kind": ..., "time": ..., "memory_bytes": ...}), per spec
// §4.4's AgentTestResult/AgentError union.
func decodeTestReply(body []byte) (AgentResult, error) {
	m, err := decodeMap(body)
	if err != nil {
		return AgentResult{}, err
	}

	var timeMsPtr *int64
	if timeSec, ok, err := m.float64("time"); err != nil {
		return AgentResult{}, err
	} else if ok {
		ms := int64(timeSec * 1000)
		timeMsPtr = &ms
	}

	var memBytesPtr *int64
	if memBytes, ok, err := m.int64("memory_bytes"); err != nil {
		return AgentResult{}, err
	} else if ok {
		memBytesPtr = &memBytes
	}

	if kind, ok, err := m.str("kind"); err != nil {
		return AgentResult{}, err
	} else if ok {
		return AgentResult{Err: &models.AgentError{Kind: kind, TimeMs: timeMsPtr, MemoryBytes: memBytesPtr}}, nil
	}

	output, ok, err := m.bytes("output")
	if err != nil {
		return AgentResult{}, err
	}
	if !ok {
		return AgentResult{}, fmt.Errorf("%w: test reply missing output and kind", ErrAgentFraming)
	}

	var timeMs, memBytes int64
	if timeMsPtr != nil {
		timeMs = *timeMsPtr
	}
	if memBytesPtr != nil {
		memBytes = *memBytesPtr
	}

	return AgentResult{Test: &models.AgentTestResult{
		Output:      output,
		TimeMs:      timeMs,
		MemoryBytes: memBytes,
	}}, nil
}
