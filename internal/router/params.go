package router

import (
	"encoding/json"

	"go.lspmux.dev/lspmux/internal/backend"
)

// getJSONField extracts field from a raw JSON object, returning nil if raw
// is not an object or the field is absent.
func getJSONField(raw json.RawMessage, field string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj[field]
}

// setJSONField returns a copy of raw (treated as a JSON object, or an
// empty one if raw is absent/null) with field set to value, or removed if
// value is nil.
func setJSONField(raw json.RawMessage, field string, value json.RawMessage) json.RawMessage {
	obj := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &obj)
	}
	if value == nil {
		delete(obj, field)
	} else {
		obj[field] = value
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return b
}

// resolvedOptionValue implements the shared substitution rule for
// per-backend option fields: a backend's configured value wins outright;
// absent it, the primary gets the client's own value and every other
// backend gets null.
func resolvedOptionValue(h *backend.Handle, clientParams json.RawMessage, clientField string) json.RawMessage {
	switch {
	case h.Config.InitializationOptions != nil:
		return h.Config.InitializationOptions
	case h.Config.Primary:
		return getJSONField(clientParams, clientField)
	default:
		return json.RawMessage("null")
	}
}

// buildBackendInitParams constructs the per-backend `initialize` params:
// initializationOptions substituted, everything else copied verbatim
// from the client's request.
func buildBackendInitParams(clientParams json.RawMessage, h *backend.Handle) json.RawMessage {
	opts := resolvedOptionValue(h, clientParams, "initializationOptions")
	return setJSONField(clientParams, "initializationOptions", opts)
}

// buildConfigParams applies the same substitution rule to
// workspace/didChangeConfiguration's `settings` field.
func buildConfigParams(clientParams json.RawMessage, h *backend.Handle) json.RawMessage {
	settings := resolvedOptionValue(h, clientParams, "settings")
	return setJSONField(clientParams, "settings", settings)
}
