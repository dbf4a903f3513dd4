package aibroker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/formscout/controlplane/internal/domain"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripFences removes enclosing ``` fences, if present, per spec.md
// §4.2 step 1 of the JSON extraction pipeline.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// extractBalancedBlock regex-extracts the first balanced {...} or
// [...] block, per spec.md §4.2 step 2. It scans by bracket depth
// rather than a greedy regex so nested braces inside string values
// don't truncate the match early.
func extractBalancedBlock(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// invalidEscapeRe matches a backslash not followed by a valid JSON
// escape character, e.g. `\E` in a Windows-style path pasted into a
// field value.
var invalidEscapeRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

// sanitizeEscapes doubles up invalid backslash escapes so json.Unmarshal
// doesn't choke on them, per spec.md §4.2 step 3 (`\E` -> `\\E`).
func sanitizeEscapes(s string) string {
	return invalidEscapeRe.ReplaceAllString(s, `\\$1`)
}

// extractJSON runs the full fence-strip -> balanced-block -> sanitize
// pipeline and returns the cleaned candidate JSON text.
func extractJSON(raw string) string {
	s := stripFences(raw)
	block := extractBalancedBlock(s)
	if block == "" {
		return ""
	}
	return sanitizeEscapes(block)
}

func unmarshalJSONBlock(raw string, v any) error {
	block := extractJSON(raw)
	if block == "" {
		return fmt.Errorf("aibroker: no JSON block found in response")
	}
	return json.Unmarshal([]byte(block), v)
}

// parseStepsResult tolerates both the `{steps: [...], no_more_paths}`
// object shape and a bare `[...]` array (legacy), per spec.md §4.2
// step 4.
func parseStepsResult(raw string) (domain.StepsResult, error) {
	block := extractJSON(raw)
	if block == "" {
		return domain.StepsResult{}, nil
	}
	trimmed := strings.TrimSpace(block)
	if strings.HasPrefix(trimmed, "[") {
		var steps []domain.Step
		if err := json.Unmarshal([]byte(trimmed), &steps); err != nil {
			return domain.StepsResult{}, nil
		}
		return domain.StepsResult{Steps: steps}, nil
	}
	var result domain.StepsResult
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return domain.StepsResult{}, nil
	}
	return result, nil
}

func parseErrorAnalysis(raw string) (domain.ErrorAnalysis, error) {
	var analysis domain.ErrorAnalysis
	if err := unmarshalJSONBlock(raw, &analysis); err != nil {
		return domain.ErrorAnalysis{}, nil
	}
	return analysis, nil
}
