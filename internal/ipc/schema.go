package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InjectRequestSchema constrains inject payloads before they reach the
// dispatcher; malformed requests are rejected at the wire.
const InjectRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "action"],
  "properties": {
    "kind": {"enum": ["key", "motion"]},
    "sync_mode": {"enum": ["none", "wait_for_result", "wait_for_finished"]},
    "timeout_ms": {"type": "integer", "minimum": 0, "maximum": 60000},
    "action": {
      "enum": ["down", "up", "move", "cancel", "hover_enter", "hover_move", "hover_exit", "scroll"]
    },
    "key_code": {"type": "integer", "minimum": 0},
    "device_id": {"type": "integer", "minimum": 0},
    "pointers": {
      "type": "array",
      "minItems": 1,
      "maxItems": 16,
      "items": {
        "type": "object",
        "required": ["id", "x", "y"],
        "properties": {
          "id": {"type": "integer", "minimum": 0, "maximum": 31},
          "x": {"type": "number"},
          "y": {"type": "number"}
        }
      }
    }
  }
}`

var injectSchema = jsonschema.MustCompileString("inject-request.schema.json", InjectRequestSchema)

// ValidateInjectPayload checks raw inject JSON against the schema.
func ValidateInjectPayload(payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("ipc: malformed inject payload: %w", err)
	}
	if err := injectSchema.Validate(v); err != nil {
		return fmt.Errorf("ipc: inject payload rejected: %w", err)
	}
	return nil
}
