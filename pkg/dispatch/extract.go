package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rhuss/drivercore/pkg/api"
	"github.com/rhuss/drivercore/pkg/driver"
)

const fence = "```"

// Extract finds the call payload in free-form model output.
//
// The first fenced block tagged json, or untagged with a body starting with
// '{', wins. Otherwise the first balanced {...} object that holds a
// "target" key is used; stray braces in prose before it are skipped. Only
// when no such object exists is a candidate that mentions "target" but is
// not valid JSON returned, so parsing can report it as malformed.
func Extract(text string) (string, bool) {
	if payload, ok := extractFenced(text); ok {
		return payload, true
	}
	return extractObject(text)
}

func extractFenced(text string) (string, bool) {
	rest := text
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			return "", false
		}
		rest = rest[open+len(fence):]

		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", false
		}
		tag := strings.ToLower(strings.TrimSpace(rest[:nl]))
		body := rest[nl+1:]

		end := strings.Index(body, fence)
		if end < 0 {
			// Unterminated fence: treat the remainder as the block body.
			end = len(body)
		}
		content := strings.TrimSpace(body[:end])

		switch tag {
		case "json":
			if content != "" {
				return content, true
			}
		case "":
			if strings.HasPrefix(content, "{") {
				return content, true
			}
		}

		if end == len(body) {
			return "", false
		}
		rest = body[end+len(fence):]
	}
}

// maxUnbalanced bounds how many unclosed braces are rescanned past, which
// keeps extraction linear-ish on brace-heavy prose.
const maxUnbalanced = 64

func extractObject(text string) (string, bool) {
	var fallback string
	unbalanced := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := matchBrace(text, i)
		if !ok {
			if fallback == "" && strings.Contains(text[i:], `"target"`) {
				fallback = strings.TrimSpace(text[i:])
			}
			if unbalanced++; unbalanced >= maxUnbalanced {
				break
			}
			continue
		}
		candidate := text[i : end+1]
		if hasTargetKey(candidate) {
			return candidate, true
		}
		if json.Valid([]byte(candidate)) {
			i = end
			continue
		}
		// Not JSON: a stray brace may wrap the real call, so look inside.
		if fallback == "" && strings.Contains(candidate, `"target"`) {
			fallback = candidate
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func hasTargetKey(candidate string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return false
	}
	_, ok := fields["target"]
	return ok
}

// payload is the wire shape of a structured call.
type payload struct {
	ID         string          `json:"id"`
	Target     string          `json:"target"`
	Function   string          `json:"function"`
	Capability string          `json:"capability"`
	Arguments  json.RawMessage `json:"arguments"`
}

// ParseCall decodes a call payload. Numbers in arguments are kept as
// json.Number so large integers survive unchanged.
func ParseCall(raw string) (driver.Call, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return driver.Call{}, api.NewMalformedCallError(raw, "invalid call payload: "+err.Error())
	}
	if dec.More() {
		return driver.Call{}, api.NewMalformedCallError(raw, "unexpected data after call payload")
	}

	call := driver.Call{
		ID:         p.ID,
		Target:     strings.TrimSpace(p.Target),
		Function:   strings.TrimSpace(p.Function),
		Capability: strings.TrimSpace(p.Capability),
		Raw:        raw,
	}
	if call.Target == "" {
		return driver.Call{}, api.NewMalformedCallError(raw, "target is required")
	}
	if call.Function == "" && call.Capability == "" && !strings.Contains(call.Target, ".") {
		return driver.Call{}, api.NewMalformedCallError(raw, "function is required")
	}

	if err := decodeArguments(p.Arguments, &call); err != nil {
		return driver.Call{}, api.NewMalformedCallError(raw, err.Error())
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	return call, nil
}

func decodeArguments(raw json.RawMessage, call *driver.Call) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	switch trimmed[0] {
	case '{':
		var named map[string]any
		if err := dec.Decode(&named); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
		call.Arguments = named
	case '[':
		var positional []any
		if err := dec.Decode(&positional); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
		call.Positional = positional
	default:
		return fmt.Errorf("arguments must be an object or an array")
	}
	return nil
}
