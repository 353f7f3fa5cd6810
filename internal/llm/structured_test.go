package llm

import (
	"context"
	"encoding/json"
	"testing"
)

const atomicitySchema = `{
	"type": "object",
	"properties": {
		"is_atomic": {"type": "boolean"},
		"confidence": {"type": "number"},
		"reasoning": {"type": "string"}
	},
	"required": ["is_atomic", "confidence"]
}`

func TestStructuredValidator_ValidResponse(t *testing.T) {
	sv, err := NewStructuredValidator(json.RawMessage(atomicitySchema), 0, false)
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	resp := "```json\n{\"is_atomic\": true, \"confidence\": 0.9}\n```"
	result, err := sv.ValidateResponse(resp)
	if err != nil {
		t.Fatalf("ValidateResponse: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid result, got %+v", result)
	}
}

func TestStructuredValidator_MissingRequiredField(t *testing.T) {
	sv, err := NewStructuredValidator(json.RawMessage(atomicitySchema), 0, false)
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	_, err = sv.ValidateResponse(`{"is_atomic": true}`)
	if err == nil {
		t.Fatal("expected schema validation error for missing confidence field")
	}
}

func TestStructuredValidator_NoJSONNonStrict(t *testing.T) {
	sv, err := NewStructuredValidator(json.RawMessage(atomicitySchema), 0, false)
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	result, err := sv.ValidateResponse("no json here at all")
	if err != nil {
		t.Fatalf("unexpected error in non-strict mode: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if result.Warning == "" {
		t.Fatal("expected a warning explaining the missing JSON")
	}
}

func TestStructuredValidator_NoJSONStrict(t *testing.T) {
	sv, err := NewStructuredValidator(json.RawMessage(atomicitySchema), 0, true)
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	_, err = sv.ValidateResponse("no json here at all")
	if err == nil {
		t.Fatal("expected strict-mode error for missing JSON")
	}
}

func TestValidateAndRetry_SucceedsAfterRetry(t *testing.T) {
	sv, err := NewStructuredValidator(json.RawMessage(atomicitySchema), 2, false)
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	client := NewMockClient(`{"is_atomic": true, "confidence": 0.8}`)

	validJSON, parsed, validationErr, err := ValidateAndRetry(context.Background(), client, "", sv, "garbage, not json")
	if err != nil {
		t.Fatalf("ValidateAndRetry: %v", err)
	}
	if validationErr != "" {
		t.Fatalf("expected no validation error after retry, got %q", validationErr)
	}
	if validJSON == "" || parsed == nil {
		t.Fatal("expected a valid parsed result after retry")
	}
	if len(client.Calls) != 1 {
		t.Fatalf("expected exactly one retry call, got %d", len(client.Calls))
	}
}

func TestValidateAndRetry_ExhaustsRetries(t *testing.T) {
	sv, err := NewStructuredValidator(json.RawMessage(atomicitySchema), 1, false)
	if err != nil {
		t.Fatalf("NewStructuredValidator: %v", err)
	}
	client := NewMockClient("still not valid json", "still not valid json")

	_, _, validationErr, err := ValidateAndRetry(context.Background(), client, "", sv, "garbage")
	if err != nil {
		t.Fatalf("ValidateAndRetry: %v", err)
	}
	if validationErr == "" {
		t.Fatal("expected a validation error after exhausting retries")
	}
}
