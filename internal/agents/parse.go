package agents

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

// stripFences removes markdown code fences that models wrap around JSON
// despite instructions not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// decodeModelJSON parses model output into out. It first tries a strict
// parse, then a repair pass for the usual LLM defects (trailing commas,
// single quotes, unclosed brackets). The second return reports whether the
// strict parse succeeded, which feeds stage confidence.
func decodeModelJSON(raw string, out any) (clean bool, err error) {
	text := stripFences(raw)

	if err := json.Unmarshal([]byte(text), out); err == nil {
		return true, nil
	}

	repaired, err := jsonrepair.RepairJSON(text)
	if err != nil {
		return false, err
	}
	return false, json.Unmarshal([]byte(repaired), out)
}
