// Package prompt is the template library for model-assisted extraction.
// Templates live in YAML files and load at startup, so wording changes
// never require a rebuild.
package prompt

// Template is a reusable prompt with metadata.
type Template struct {
	ID          string     `yaml:"id"`          // Unique identifier (e.g. "mentions.extract_organizations")
	Name        string     `yaml:"name"`        // Human-readable name
	Description string     `yaml:"description"` // What the prompt is for
	System      string     `yaml:"system"`      // System prompt content
	User        string     `yaml:"user"`        // Go text/template for the user prompt
	Variables   []Variable `yaml:"variables"`   // Variables used in the user template
	Version     string     `yaml:"version"`     // Version for tracking changes
}

// Variable documents one substitution slot in a user template.
type Variable struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Defaults returns the built-in templates. LoadDir replaces any of them
// whose ID also appears on disk.
func Defaults() []*Template {
	return []*Template{
		{
			ID:          "mentions.extract_organizations",
			Name:        "Organization mention extraction",
			Description: "Lists organizations named verbatim in a filing passage.",
			System:      "You identify organizations named in SEC filing text. Respond with JSON only.",
			User: "List every company, organization, or government agency named in the passage below.\n" +
				"Copy each name exactly as it appears in the passage. Do not normalize, expand, or translate names.\n" +
				"Respond as {\"entities\": [{\"name\": \"...\", \"type\": \"COMPANY\"}]} using types COMPANY, GOVERNMENT, NONPROFIT, or OTHER.\n" +
				"\nPassage:\n{{.Passage}}",
			Variables: []Variable{
				{Name: "Passage", Description: "Canonical section text", Required: true},
			},
			Version: "v1",
		},
		{
			ID:          "mentions.classify_relationship",
			Name:        "Relationship cue classification",
			Description: "Types the business relationship a sentence asserts between the filer and a named company.",
			System:      "You classify business relationships described in SEC filings. Respond with JSON only.",
			User: "The filer is {{.Filer}}. The sentence below names {{.Counterparty}}.\n" +
				"Classify the relationship the sentence asserts, from the filer's perspective, as one of " +
				"SUPPLIER, CUSTOMER, COMPETITOR, PARTNER, or NONE.\n" +
				"Respond as {\"relationship\": \"...\", \"confidence\": 0.0}.\n" +
				"\nSentence:\n{{.Sentence}}",
			Variables: []Variable{
				{Name: "Filer", Description: "Display name of the filing company", Required: true},
				{Name: "Counterparty", Description: "The other organization named", Required: true},
				{Name: "Sentence", Description: "The sentence containing the mention", Required: true},
			},
			Version: "v1",
		},
	}
}
