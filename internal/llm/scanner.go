package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first valid top-level JSON object out of an LLM
// response and unmarshals it into v. Models wrap JSON in prose or markdown
// fences often enough that strict parsing of the raw response is not viable.
func ExtractJSON(response string, v interface{}) error {
	trimmed := strings.TrimSpace(response)

	// Fast path: the response is already clean JSON.
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), v); err == nil {
			return nil
		}
	}

	// Strip markdown fences before scanning.
	trimmed = stripFences(trimmed)

	for _, candidate := range findJSONCandidates(trimmed) {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no valid JSON object found in response (%d bytes)", len(response))
}

// ExtractJSONArray is ExtractJSON for responses whose top level is an array.
func ExtractJSONArray(response string, v interface{}) error {
	trimmed := stripFences(strings.TrimSpace(response))

	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), v); err == nil {
			return nil
		}
	}

	start := strings.IndexByte(trimmed, '[')
	end := strings.LastIndexByte(trimmed, ']')
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no valid JSON array found in response (%d bytes)", len(response))
}

func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// findJSONCandidates scans the input string for top-level JSON object
// candidates, handling nested braces and string escaping.
//
// Byte-level iteration is safe for ASCII delimiters ({, }, ", \) because
// UTF-8 guarantees ASCII bytes never appear inside a multi-byte sequence.
func findJSONCandidates(s string) []string {
	var candidates []string
	var depth int
	var start = -1
	var inString bool
	var escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		if b == '"' {
			inString = true
			continue
		}

		if b == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if b == '}' {
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}

	return candidates
}
