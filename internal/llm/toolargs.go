package llm

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"

	"cortex/internal/logging"
)

// decodeToolArguments parses a model-emitted tool argument string. Models
// occasionally emit truncated or mildly malformed JSON; a repair pass
// recovers most of those before the call is handed over with empty
// arguments.
func decodeToolArguments(raw, tool string, logger logging.Logger) map[string]any {
	logger = logging.OrNop(logger)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		logger.Warn("Tool %s: unparseable arguments: %v", tool, err)
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		logger.Warn("Tool %s: arguments unparseable even after repair: %v", tool, err)
		return map[string]any{}
	}
	logger.Debug("Tool %s: repaired malformed argument JSON", tool)
	return args
}
