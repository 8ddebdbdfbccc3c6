package message

import (
	"bytes"
	"encoding/json"
)

// cloneJSON returns an independent copy of raw. Nil and empty stay nil.
func cloneJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// normalizeJSON validates raw and returns a compacted private copy.
// JSON null is treated as absent.
func normalizeJSON(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, true
	}
	if !json.Valid(trimmed) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}
