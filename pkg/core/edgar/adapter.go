package edgar

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RecordCandidate is one observation of a filing by one feed. Adapters may
// legally yield the same natural key any number of times; deduplication is
// the admitter's job, not theirs.
type RecordCandidate struct {
	NaturalKey      string
	Accession       string // canonical dashed form
	CIK             string // zero-padded to 10 digits
	CompanyName     string
	FormType        string
	PublishedAt     time.Time
	SourceURL       string
	SourceUpdatedAt time.Time
	Feed            string
	RawPayload      map[string]interface{}
}

// PoisonRecord is an unparseable row wrapped for quarantine. The cursor
// still advances past it; the store keeps the envelope for inspection.
type PoisonRecord struct {
	Feed       string
	Raw        string
	Reason     string
	ObservedAt time.Time
}

// FetchResult is one adapter poll. NextCursor is committed by the caller
// only after the candidate batch is durably admitted.
type FetchResult struct {
	Candidates []RecordCandidate
	Poison     []PoisonRecord
	NextCursor string
}

// FeedAdapter is a named producer over one SEC publication channel.
// Cursors are opaque strings owned by the adapter. On error the caller
// keeps its prior cursor and retries with backoff; a nil-error result with
// zero candidates means end of stream and may advance the cursor.
type FeedAdapter interface {
	Name() string
	Fetch(ctx context.Context, cursor string) (*FetchResult, error)
}

// NaturalKey derives the feed-independent record identity from an
// accession number in either accepted form.
func NaturalKey(accession string) string {
	return "sec:filing:" + CanonicalAccession(accession)
}

// CanonicalAccession returns the dashed form NNNNNNNNNN-NN-NNNNNN.
// Input may be dashed or dashless; anything else is returned trimmed so
// the caller's validation can reject it.
func CanonicalAccession(accession string) string {
	a := strings.TrimSpace(accession)
	if strings.Count(a, "-") == 2 && len(a) == 20 {
		return a
	}
	bare := strings.ReplaceAll(a, "-", "")
	if len(bare) != 18 {
		return a
	}
	return fmt.Sprintf("%s-%s-%s", bare[:10], bare[10:12], bare[12:])
}

// DashlessAccession returns the canonical stored/filesystem form.
func DashlessAccession(accession string) string {
	return strings.ReplaceAll(strings.TrimSpace(accession), "-", "")
}

// ValidAccession reports whether accession is one of the two accepted forms.
func ValidAccession(accession string) bool {
	bare := DashlessAccession(accession)
	if len(bare) != 18 {
		return false
	}
	for _, r := range bare {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// PadCIK zero-pads a CIK to the 10-digit form SEC endpoints expect.
func PadCIK(cik string) string {
	return fmt.Sprintf("%010s", strings.TrimLeft(strings.TrimSpace(cik), "0"))
}

// ShortCIK strips leading zeros, the form the Archives directory paths use.
func ShortCIK(cik string) string {
	s := strings.TrimLeft(strings.TrimSpace(cik), "0")
	if s == "" {
		return "0"
	}
	return s
}
