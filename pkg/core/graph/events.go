package graph

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// 8-K ITEM ROUTER - typed events from current-report item headings
// =============================================================================

// itemEventTypes routes 8-K item codes onto event types. Codes outside
// the table are skipped; Item 9.01 in particular is the exhibits
// boilerplate every 8-K carries and would only produce noise.
var itemEventTypes = map[string]EventType{
	"1.01": EventMaterialAgreement,
	"1.02": EventMaterialAgreement,
	"1.03": EventBankruptcy,
	"2.01": EventAcquisition,
	"2.02": EventResults,
	"5.02": EventExecutiveChange,
	"8.01": EventOther,
}

// itemHeadingRe finds "Item 5.02" style headings at line starts in
// canonical text. The two-decimal form is specific to current reports,
// so annual-report items ("Item 7") never collide with it.
var itemHeadingRe = regexp.MustCompile(`(?im)^[ \t]*item[\s\p{Zs}]*(\d\.\d{2})\b[^\n]*`)

// RouteEvents scans an 8-K's canonical text and emits one typed event
// per routed item code. Repeated headings for the same code collapse to
// the first occurrence.
func RouteEvents(accession string, entityID int64, filedAt time.Time, text string) []Event {
	var out []Event
	seen := make(map[string]bool)
	for _, loc := range itemHeadingRe.FindAllStringSubmatchIndex(text, -1) {
		code := text[loc[2]:loc[3]]
		if seen[code] {
			continue
		}
		seen[code] = true
		et, ok := itemEventTypes[code]
		if !ok {
			continue
		}
		line := strings.TrimSpace(text[loc[0]:loc[1]])
		out = append(out, Event{
			EventID:    uuid.NewString(),
			EntityID:   entityID,
			Type:       et,
			ItemCode:   code,
			OccurredAt: filedAt,
			Accession:  accession,
			Evidence: EvidenceRef{
				Accession:    accession,
				SectionKey:   "ITEM_" + strings.ReplaceAll(code, ".", "_"),
				CharStart:    loc[0],
				CharEnd:      loc[1],
				SentenceText: line,
			},
		})
	}
	return out
}
