package models

import (
	"errors"
	"net/url"
)

var ErrUnrecognizedTrigger = errors.New("unrecognized trigger payload")

// TriggerRequest is a start request reduced to the caller id and the execution input.
type TriggerRequest struct {
	ExecutionID string
	Input       map[string]any
}

// NormalizeTrigger accepts the direct shape {executionId?, document, metadata},
// the legacy {contract_id?, s3:{bucket,key}, vendor_metadata} shape and S3 event
// notifications, and reduces them to {document:{bucket,key}, metadata}.
func NormalizeTrigger(raw map[string]any) (*TriggerRequest, error) {
	if records, ok := raw["Records"].([]any); ok {
		return normalizeS3Event(records)
	}

	if s3, ok := raw["s3"].(map[string]any); ok {
		id, _ := raw["contract_id"].(string)

		return &TriggerRequest{
			ExecutionID: id,
			Input:       documentInput(s3["bucket"], s3["key"], raw["vendor_metadata"], id),
		}, nil
	}

	if _, ok := raw["document"]; !ok {
		if _, ok := raw["metadata"]; !ok {
			return nil, ErrUnrecognizedTrigger
		}
	}

	input := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "executionId" {
			continue
		}

		input[k] = v
	}

	id, _ := raw["executionId"].(string)

	return &TriggerRequest{ExecutionID: id, Input: input}, nil
}

func normalizeS3Event(records []any) (*TriggerRequest, error) {
	if len(records) == 0 {
		return nil, ErrUnrecognizedTrigger
	}

	record, ok := records[0].(map[string]any)
	if !ok {
		return nil, ErrUnrecognizedTrigger
	}

	s3, _ := record["s3"].(map[string]any)
	bucket, _ := s3["bucket"].(map[string]any)
	object, _ := s3["object"].(map[string]any)

	name, _ := bucket["name"].(string)
	key, _ := object["key"].(string)

	if name == "" || key == "" {
		return nil, ErrUnrecognizedTrigger
	}

	decoded, err := url.QueryUnescape(key)
	if err != nil {
		decoded = key
	}

	id, _ := record["contract_id"].(string)

	return &TriggerRequest{
		ExecutionID: id,
		Input:       documentInput(name, decoded, record["vendor_metadata"], id),
	}, nil
}

func documentInput(bucket, key, metadata any, contractID string) map[string]any {
	meta, ok := metadata.(map[string]any)
	if !ok {
		meta = map[string]any{}
	}

	input := map[string]any{
		"document": map[string]any{"bucket": bucket, "key": key},
		"metadata": meta,
	}

	if contractID != "" {
		input["contract_id"] = contractID
	}

	return input
}
