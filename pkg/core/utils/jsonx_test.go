package utils

import "testing"

func TestStripFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"markdown fence", "```markdown\n# Title\n```", "# Title"},
		{"surrounding whitespace", "  ```json\n[1,2]\n```  ", "[1,2]"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.input); got != tt.want {
			t.Errorf("%s: StripFences = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSmartParseStrictJSON(t *testing.T) {
	var out struct {
		Entities []string `json:"entities"`
	}
	text, err := SmartParse(`{"entities":["TSMC","Samsung"]}`, &out)
	if err != nil {
		t.Fatalf("SmartParse: %v", err)
	}
	if text != `{"entities":["TSMC","Samsung"]}` {
		t.Errorf("text = %q", text)
	}
	if len(out.Entities) != 2 || out.Entities[0] != "TSMC" {
		t.Errorf("entities = %v", out.Entities)
	}
}

func TestSmartParseRepairsFencedOutput(t *testing.T) {
	raw := "```json\n{'entities': ['TSMC', 'Foxconn'],}\n```"
	var out struct {
		Entities []string `json:"entities"`
	}
	if _, err := SmartParse(raw, &out); err != nil {
		t.Fatalf("SmartParse: %v", err)
	}
	if len(out.Entities) != 2 || out.Entities[1] != "Foxconn" {
		t.Errorf("entities = %v", out.Entities)
	}
}

func TestSmartParseHJSON(t *testing.T) {
	raw := `{
  # supplier list
  entities: [TSMC, Samsung]
}`
	var out struct {
		Entities []string `json:"entities"`
	}
	if _, err := SmartParse(raw, &out); err != nil {
		t.Fatalf("SmartParse: %v", err)
	}
	if len(out.Entities) != 2 {
		t.Errorf("entities = %v", out.Entities)
	}
}

func TestSmartParseRejectsWrongShape(t *testing.T) {
	var out struct {
		Entities []string `json:"entities"`
	}
	// Every strategy decodes this to a string-typed field, which cannot
	// satisfy the slice target.
	if _, err := SmartParse(`{"entities": "not-an-array"`, &out); err == nil {
		t.Error("expected error when decoded shape does not fit target")
	}
}

func TestValidateMarkdown(t *testing.T) {
	if !ValidateMarkdown("# Heading\n\nSome *emphasis* and a [link](https://example.com).") {
		t.Error("well-formed markdown rejected")
	}
	if !ValidateMarkdown("") {
		t.Error("empty input should parse to an empty document")
	}
}
