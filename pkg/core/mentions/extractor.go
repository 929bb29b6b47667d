package mentions

import "context"

// Input is one section's canonical text plus its location metadata.
// Offset is the section's CharStart in the canonical document, so
// extractors can report absolute offsets.
type Input struct {
	Accession  string
	SectionKey string
	Text       string
	Offset     int
}

// Extractor finds candidate entity spans in section text.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, in Input) ([]CandidateMention, error)
}
