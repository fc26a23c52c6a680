// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v with object keys sorted at every level, no
// insignificant whitespace, and no HTML escaping. Signatures over
// device keys, one-time keys, and backup auth data are computed over
// this form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: canonical json: %w", err)
	}
	// Round-trip through a generic value: encoding/json sorts map keys,
	// and UseNumber keeps integers exact.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("event: canonical json: %w", err)
	}

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(generic); err != nil {
		return nil, fmt.Errorf("event: canonical json: %w", err)
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}

// SignableJSON returns the canonical form of a JSON object with its
// "signatures" and "unsigned" members removed, the bytes a Matrix
// signature covers.
func SignableJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: signable json: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("event: signable json: %w", err)
	}
	delete(object, "signatures")
	delete(object, "unsigned")
	return CanonicalJSON(object)
}
