// Package utils holds small helpers shared across the pipeline stages,
// chiefly lenient JSON decoding for model output.
package utils

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
	"github.com/rotisserie/eris"
)

// StripFences removes a wrapping markdown code fence (```, ```json,
// ```markdown) from model output and returns the inner text.
func StripFences(input string) string {
	cleaned := strings.TrimSpace(input)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	if idx := strings.IndexByte(cleaned, '\n'); idx >= 0 {
		cleaned = cleaned[idx+1:]
	} else {
		cleaned = strings.TrimPrefix(cleaned, "```")
	}
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// RepairJSON fixes common model-output defects: single quotes, unquoted
// keys, trailing commas, unclosed arrays and objects, bare comments.
func RepairJSON(malformed string) (string, error) {
	repaired, err := jsonrepair.RepairJSON(malformed)
	if err != nil {
		return "", eris.Wrap(err, "utils: json repair failed")
	}
	return repaired, nil
}

// ParseHJSON reads human-friendly JSON (comments, unquoted keys,
// optional commas) and re-emits strict JSON.
func ParseHJSON(input string) (string, error) {
	var result interface{}
	if err := hjson.Unmarshal([]byte(input), &result); err != nil {
		return "", eris.Wrap(err, "utils: hjson parse failed")
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", eris.Wrap(err, "utils: re-encoding hjson value")
	}
	return string(out), nil
}

// SmartParse decodes input into target, trying strict JSON, then repair,
// then Hjson. Fences are stripped first. Returns the text that decoded.
func SmartParse(input string, target interface{}) (string, error) {
	cleaned := StripFences(input)

	if err := json.Unmarshal([]byte(cleaned), target); err == nil {
		return cleaned, nil
	}

	if repaired, err := RepairJSON(cleaned); err == nil {
		if err := json.Unmarshal([]byte(repaired), target); err == nil {
			return repaired, nil
		}
	}

	if strict, err := ParseHJSON(cleaned); err == nil {
		if err := json.Unmarshal([]byte(strict), target); err == nil {
			return strict, nil
		}
	}

	return "", eris.New("utils: no parsing strategy produced valid JSON")
}
