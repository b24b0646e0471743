package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseOutcome classifies how a structured model response was
// recovered. Models wrap JSON in markdown fences or prose often enough
// that the recovery path matters operationally.
type ParseOutcome string

// Parse outcome constants.
const (
	// ParseClean means the response parsed after fence stripping alone.
	ParseClean ParseOutcome = "clean"
	// ParseSalvaged means the outermost JSON object was cut out of
	// surrounding prose before it parsed.
	ParseSalvaged ParseOutcome = "salvaged"
	// ParseFailed means no well-formed structure could be recovered.
	ParseFailed ParseOutcome = "failed"
)

const parseErrorSnippetLen = 200

// DecodeStructured unmarshals a model response into out. It strips
// markdown code fences first and, when the stripped text still fails
// to parse, salvages the outermost brace-delimited object from the raw
// text. A ParseFailed outcome always carries an ErrInvalidResponse.
func DecodeStructured(raw string, out any) (ParseOutcome, error) {
	candidate := stripFences(raw)
	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return ParseClean, nil
	}

	if salvaged, ok := salvageObject(raw); ok {
		if err := json.Unmarshal([]byte(salvaged), out); err == nil {
			return ParseSalvaged, nil
		}
	}

	snippet := raw
	if len(snippet) > parseErrorSnippetLen {
		snippet = snippet[:parseErrorSnippetLen]
	}
	return ParseFailed, fmt.Errorf("%w: %s", ErrInvalidResponse, snippet)
}

// stripFences extracts the body of the first markdown code fence,
// preferring an explicit json fence, or returns the trimmed text when
// no fence is present.
func stripFences(text string) string {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	return strings.TrimSpace(text)
}

// salvageObject cuts from the first opening brace to the last closing
// brace of the raw text.
func salvageObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
