package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MalformedError reports a response that never satisfied its schema
// within the retry budget. Callers map it to oracle_malformed.
type MalformedError struct {
	Detail string
	Raw    string
}

func (e *MalformedError) Error() string { return e.Detail }

// IsMalformed reports whether err wraps a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// Validator validates oracle responses against a JSON Schema.
type Validator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewValidator compiles a JSON Schema for response validation.
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema, schemaJSON: schemaJSON}, nil
}

// SchemaJSON returns the raw schema for prompt injection.
func (v *Validator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// Validate extracts JSON from the response text and checks it against
// the schema. On success it returns the extracted JSON string.
func (v *Validator) Validate(responseText string) (string, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return "", &MalformedError{
			Detail: "response does not contain valid JSON",
			Raw:    responseText,
		}
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return "", &MalformedError{
			Detail: fmt.Sprintf("invalid JSON: %s", err),
			Raw:    responseText,
		}
	}

	if err := v.schema.Validate(parsed); err != nil {
		return "", &MalformedError{
			Detail: fmt.Sprintf("schema validation failed: %s", err),
			Raw:    responseText,
		}
	}
	return jsonStr, nil
}

// GenerateStructured asks the oracle for a response conforming to the
// validator's schema and decodes it into out. Schema failures trigger
// re-prompts with the validation error attached, up to maxRetries extra
// attempts; exhaustion returns a MalformedError. Transport failures pass
// through unchanged (typically wrapping ErrUnavailable).
func GenerateStructured(ctx context.Context, o Oracle, system, prompt string, v *Validator, maxRetries int, out any) (string, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	schemaNote := fmt.Sprintf(
		"%s\n\nRespond with a single JSON object matching this JSON Schema, and nothing else:\n%s",
		prompt, string(v.SchemaJSON()),
	)

	text, err := o.Generate(ctx, system, schemaNote)
	if err != nil {
		return "", err
	}

	var lastVal error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		jsonStr, valErr := v.Validate(text)
		if valErr == nil {
			if out != nil {
				if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
					valErr = &MalformedError{
						Detail: fmt.Sprintf("decode validated JSON: %s", err),
						Raw:    text,
					}
				} else {
					return jsonStr, nil
				}
			} else {
				return jsonStr, nil
			}
		}
		lastVal = valErr
		if attempt == maxRetries {
			break
		}

		// The oracle is stateless, so the retry must restate the
		// original task alongside the validation error.
		retryPrompt := fmt.Sprintf(
			"%s\n\nYour previous response did not match the required JSON schema.\n"+
				"Previous response:\n%s\n\nError: %s\n\n"+
				"Respond again with a single JSON object matching this schema, and nothing else:\n%s",
			prompt, text, valErr.Error(), string(v.SchemaJSON()),
		)
		text, err = o.Generate(ctx, system, retryPrompt)
		if err != nil {
			return "", err
		}
	}

	var me *MalformedError
	if errors.As(lastVal, &me) {
		return "", me
	}
	return "", &MalformedError{Detail: lastVal.Error(), Raw: text}
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: find first { or [ and match the closing delimiter.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
