package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dario.cat/mergo"
)

const (
	CorrelationIDKey = "correlationId"
	StatusKey        = "status"
	StatusPending    = "PENDING"
	ValueKey         = "value"

	maxUnwrapDepth = 8
)

// Envelope is the canonical shape handed to every stage target.
type Envelope struct {
	CorrelationID string         `json:"correlationId"`
	StageID       string         `json:"stageId"`
	Attempt       int            `json:"attempt"`
	StageInput    map[string]any `json:"stageInput"`
	CallbackToken string         `json:"callbackToken,omitempty"`
}

// BuildStageInput deep-merges the execution input with prior stage outputs,
// later outputs overriding earlier keys. Arguments are never mutated.
func BuildStageInput(input map[string]any, outputs []map[string]any) (map[string]any, error) {
	merged, err := deepCopy(input)
	if err != nil {
		return nil, err
	}

	for i, output := range outputs {
		src, err := deepCopy(output)
		if err != nil {
			return nil, err
		}

		err = mergo.Merge(&merged, src, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("failed to merge output of stage %d: %w", i, err)
		}
	}

	return merged, nil
}

// NormalizeOutput turns whatever a stage target returned into a JSON object
// carrying the correlation id. Payload wrappers and Lambda-proxy responses are
// unwrapped, JSON strings are decoded and scalars are wrapped under "value".
func NormalizeOutput(raw any, correlationID string) (map[string]any, error) {
	value, err := toJSONValue(raw)
	if err != nil {
		return nil, err
	}

	for range maxUnwrapDepth {
		next, changed := unwrap(value)
		if !changed {
			break
		}

		value = next
	}

	var out map[string]any

	switch v := value.(type) {
	case nil:
		out = map[string]any{}
	case map[string]any:
		out = v
	default:
		out = map[string]any{ValueKey: v}
	}

	out[CorrelationIDKey] = correlationID

	return out, nil
}

// IsPendingDeclaration reports whether a normalized output declares suspension.
func IsPendingDeclaration(output map[string]any) bool {
	status, ok := output[StatusKey].(string)

	return ok && strings.EqualFold(status, StatusPending)
}

func unwrap(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		decoded, ok := decodeJSONString(v)
		if !ok {
			return value, false
		}

		return decoded, true
	case map[string]any:
		for _, key := range []string{"payload", "Payload"} {
			if inner, ok := v[key]; ok && inner != nil {
				return inner, true
			}
		}

		if _, ok := v["statusCode"]; ok {
			if body, ok := v["body"]; ok {
				return body, true
			}
		}
	}

	return value, false
}

func decodeJSONString(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[' && trimmed[0] != '"') {
		return nil, false
	}

	var decoded any

	err := json.Unmarshal([]byte(trimmed), &decoded)
	if err != nil {
		return nil, false
	}

	return decoded, true
}

// toJSONValue converts typed values (structs, typed maps, raw bytes) into
// the generic JSON representation.
func toJSONValue(raw any) (any, error) {
	switch v := raw.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v, nil
	case []byte:
		if decoded, ok := decodeJSONString(string(v)); ok {
			return decoded, nil
		}

		return string(v), nil
	case json.RawMessage:
		return toJSONValue([]byte(v))
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("stage output is not JSON encodable: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))

	var value any

	err = decoder.Decode(&value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stage output: %w", err)
	}

	return value, nil
}

func deepCopy(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to copy map: %w", err)
	}

	out := map[string]any{}

	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to copy map: %w", err)
	}

	return out, nil
}
