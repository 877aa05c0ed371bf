package utils

import (
	"bytes"
	"encoding/json"
)

// MarshalNoEscape encodes v as compact JSON, leaving <, > and & as they are.
// Collaborator request bodies go out exactly as the caller built them.
func MarshalNoEscape(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
