package sections

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/fetcher"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// annualReportHTML builds a small 10-K primary document: inline-XBRL
// header, cover text, a table-of-contents, then the item sections with
// enough body text that headings clear the runway check.
func annualReportHTML(includeItem7A bool) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>FORM 10-K</title><style>.s{font:10pt}</style></head><body>`)
	b.WriteString(`<ix:header><div>hidden facts</div></ix:header>`)
	b.WriteString(`<h1>UNITED STATES SECURITIES AND EXCHANGE COMMISSION</h1>`)
	b.WriteString(`<p>Annual Report Pursuant to Section 13 or 15(d) of the Securities Exchange Act of 1934</p>`)

	b.WriteString(`<table>`)
	toc := [][2]string{
		{"Item 1.", "Business"},
		{"Item 1A.", "Risk Factors"},
		{"Item 7.", "Management&#8217;s Discussion and Analysis of Financial Condition"},
		{"Item 7A.", "Quantitative and Qualitative Disclosures About Market Risk"},
		{"Item 8.", "Financial Statements and Supplementary Data"},
		{"Item 9A.", "Controls and Procedures"},
	}
	for i, row := range toc {
		b.WriteString(`<tr><td>` + row[0] + `</td><td>` + row[1] + `</td><td>` + string(rune('3'+i)) + `</td></tr>`)
	}
	b.WriteString(`</table>`)

	section := func(heading, sentence string) {
		b.WriteString(`<p><b>` + heading + `</b></p>`)
		b.WriteString(`<p>` + strings.Repeat(sentence+" ", 12) + `</p>`)
	}
	section("Item 1. Business",
		"The Company designs, manufactures and markets consumer devices and related services worldwide.")
	section("Item 1A. Risk Factors",
		"The business is subject to competition, supply constraints and evolving regulation in every market.")
	section("Item 7. Management&#8217;s Discussion and Analysis",
		"Net sales increased during the year driven by services growth, partially offset by product mix. See Item 8 of Part II for the statements.")
	if includeItem7A {
		section("Item 7A. Quantitative and Qualitative Disclosures About Market Risk",
			"The Company is exposed to interest rate and foreign currency risks managed through hedging programs.")
	}
	section("Item 8. Financial Statements and Supplementary Data",
		"The consolidated financial statements and accompanying notes are filed as part of this report.")
	section("Item 9A. Controls and Procedures",
		"Management evaluated the effectiveness of disclosure controls and concluded they are effective.")
	b.WriteString(`</body></html>`)
	return b.String()
}

type exhibitFile struct {
	filename string
	docType  string
	html     string
}

func writeBundle(t *testing.T, primaryHTML string, exhibits ...exhibitFile) *fetcher.Bundle {
	t.Helper()
	dir := t.TempDir()

	primaryPath := filepath.Join(dir, "aapl-20240928.htm")
	if err := os.WriteFile(primaryPath, []byte(primaryHTML), 0o644); err != nil {
		t.Fatal(err)
	}
	bundle := &fetcher.Bundle{
		Accession: "0000320193-24-000081",
		CIK:       "0000320193",
		Dir:       dir,
		PrimaryDocument: fetcher.Document{
			Filename: "aapl-20240928.htm",
			Type:     "PRIMARY",
			Size:     int64(len(primaryHTML)),
			Path:     primaryPath,
		},
	}
	for _, ex := range exhibits {
		path := filepath.Join(dir, ex.filename)
		if err := os.WriteFile(path, []byte(ex.html), 0o644); err != nil {
			t.Fatal(err)
		}
		bundle.Exhibits = append(bundle.Exhibits, fetcher.Document{
			Filename: ex.filename,
			Type:     ex.docType,
			Size:     int64(len(ex.html)),
			Path:     path,
		})
	}
	return bundle
}

func TestParserLocatesItemSections(t *testing.T) {
	p := NewParser(ParserOptions{})
	bundle := writeBundle(t, annualReportHTML(true))

	sections, err := p.Parse(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	wantKeys := []string{"ITEM_1", "ITEM_1A", "ITEM_7", "ITEM_7A", "ITEM_8", "ITEM_9A"}
	if len(sections) != len(wantKeys) {
		t.Fatalf("got %d sections, want %d: %+v", len(sections), len(wantKeys), sectionKeys(sections))
	}
	for i, want := range wantKeys {
		if sections[i].SectionKey != want {
			t.Errorf("section %d key = %s, want %s", i, sections[i].SectionKey, want)
		}
	}

	doc, err := p.CanonicalText(bundle)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range sections {
		if got := doc.Text[s.CharStart:s.CharEnd]; got != s.Text {
			t.Errorf("%s: stored text does not match canonical slice", s.SectionKey)
		}
		if s.WordCount == 0 {
			t.Errorf("%s: zero word count", s.SectionKey)
		}
		if s.ParserVersion != Version || !s.Current {
			t.Errorf("%s: version %q current %v", s.SectionKey, s.ParserVersion, s.Current)
		}
		if s.DocumentFilename != "aapl-20240928.htm" {
			t.Errorf("%s: document filename %q", s.SectionKey, s.DocumentFilename)
		}
	}

	// The final item runs to the end of the canonical document.
	last := sections[len(sections)-1]
	if last.CharEnd != doc.Len() {
		t.Errorf("last section ends at %d, document length %d", last.CharEnd, doc.Len())
	}

	// Headings in the table of contents never become section starts.
	tocPos := strings.Index(doc.Text, "Item 1. Business 3")
	if tocPos < 0 {
		t.Fatal("fixture lost its table of contents")
	}
	if sections[0].CharStart <= tocPos {
		t.Errorf("ITEM_1 starts at %d, inside the table of contents at %d", sections[0].CharStart, tocPos)
	}

	// Sections tile without gaps between consecutive starts.
	for i := 1; i < len(sections); i++ {
		if sections[i-1].CharEnd != sections[i].CharStart {
			t.Errorf("gap between %s and %s: %d != %d",
				sections[i-1].SectionKey, sections[i].SectionKey,
				sections[i-1].CharEnd, sections[i].CharStart)
		}
	}
}

func TestParserMissingSectionIsAbsent(t *testing.T) {
	p := NewParser(ParserOptions{})
	bundle := writeBundle(t, annualReportHTML(false))

	sections, err := p.Parse(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, s := range sections {
		if s.SectionKey == "ITEM_7A" {
			t.Fatal("ITEM_7A emitted for a filing without it")
		}
	}
	keys := sectionKeys(sections)
	if want := []string{"ITEM_1", "ITEM_1A", "ITEM_7", "ITEM_8", "ITEM_9A"}; strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("section keys = %v, want %v", keys, want)
	}
}

func TestParserPoisonDocument(t *testing.T) {
	sink := validate.NewMemorySink()
	p := NewParser(ParserOptions{
		Recorder: validate.NewRecorder(validate.RecorderOptions{Sink: sink}),
	})
	bundle := writeBundle(t, `<html><head><title>x</title></head><body><script>render()</script></body></html>`)

	_, err := p.Parse(context.Background(), bundle)
	if !eris.Is(err, ErrPoison) {
		t.Fatalf("Parse error = %v, want ErrPoison", err)
	}

	events, _ := sink.ListEvents(context.Background(), validate.EventFilter{Kind: validate.KindPoisonDocument})
	if len(events) != 1 {
		t.Fatalf("got %d poison events, want 1", len(events))
	}
	if events[0].Accession != bundle.Accession {
		t.Errorf("event accession = %s, want %s", events[0].Accession, bundle.Accession)
	}
}

func TestParserEqualPriorityOverlap(t *testing.T) {
	rules := &RuleSet{rules: []Rule{
		{Key: "ITEM_1", Title: "Business", Priority: 10, Patterns: []string{`(?im)^item\s*1\.`}},
		{Key: "ITEM_1_ALT", Title: "Business (alt)", Priority: 10, Patterns: []string{`(?im)^item\s*1\.`}},
	}}
	if err := rules.compile(); err != nil {
		t.Fatal(err)
	}

	sink := validate.NewMemorySink()
	p := NewParser(ParserOptions{
		Rules:    rules,
		Recorder: validate.NewRecorder(validate.RecorderOptions{Sink: sink}),
	})
	body := `<p><b>Item 1. Business</b></p><p>` + strings.Repeat("Body sentence. ", 40) + `</p>`
	bundle := writeBundle(t, `<html><body>`+body+`</body></html>`)

	sections, err := p.Parse(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sections) != 1 || sections[0].SectionKey != "ITEM_1" {
		t.Fatalf("sections = %v, want single ITEM_1", sectionKeys(sections))
	}

	events, _ := sink.ListEvents(context.Background(), validate.EventFilter{Kind: validate.KindParserOverlap})
	if len(events) == 0 {
		t.Fatal("no overlap event recorded for colliding equal-priority rules")
	}
}

func TestParserHigherPriorityWinsCollision(t *testing.T) {
	rules := &RuleSet{rules: []Rule{
		{Key: "ITEM_1_LOOSE", Title: "Business", Priority: 5, Patterns: []string{`(?im)^item\s*1\.`}},
		{Key: "ITEM_1", Title: "Business", Priority: 10, Patterns: []string{`(?im)^item\s*1\.\s+business`}},
	}}
	if err := rules.compile(); err != nil {
		t.Fatal(err)
	}

	sink := validate.NewMemorySink()
	p := NewParser(ParserOptions{
		Rules:    rules,
		Recorder: validate.NewRecorder(validate.RecorderOptions{Sink: sink}),
	})
	body := `<p><b>Item 1. Business</b></p><p>` + strings.Repeat("Body sentence. ", 40) + `</p>`
	bundle := writeBundle(t, `<html><body>`+body+`</body></html>`)

	sections, err := p.Parse(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(sections) != 1 || sections[0].SectionKey != "ITEM_1" {
		t.Fatalf("sections = %v, want single ITEM_1 from the higher-priority rule", sectionKeys(sections))
	}
	events, _ := sink.ListEvents(context.Background(), validate.EventFilter{})
	if len(events) != 0 {
		t.Errorf("priority-resolved collision recorded %d events, want none", len(events))
	}
}

func TestParserExhibitSections(t *testing.T) {
	p := NewParser(ParserOptions{})
	ex21 := `<html><body><p>Subsidiaries of the Registrant</p><table>` +
		`<tr><td>Name of Subsidiary</td><td>Jurisdiction of Incorporation</td></tr>` +
		`<tr><td>Apple Operations International Limited</td><td>Ireland</td></tr>` +
		`</table></body></html>`
	ex103 := `<html><body><p>Form of Indemnification Agreement between the Registrant and each director.</p></body></html>`

	bundle := writeBundle(t, annualReportHTML(true),
		exhibitFile{filename: "a10-kexhibit211.htm", docType: "EX-21", html: ex21},
		exhibitFile{filename: "aapl-ex10_3.htm", docType: "EX-10.3", html: ex103},
	)

	sections, err := p.Parse(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	byKey := map[string]Section{}
	for _, s := range sections {
		byKey[s.SectionKey] = s
	}
	sub, ok := byKey["EX_21"]
	if !ok {
		t.Fatalf("no EX_21 section in %v", sectionKeys(sections))
	}
	if sub.CharStart != 0 || sub.CharEnd != len(sub.Text) {
		t.Errorf("EX_21 span [%d,%d) does not cover its document of %d chars", sub.CharStart, sub.CharEnd, len(sub.Text))
	}
	if sub.DocumentFilename != "a10-kexhibit211.htm" {
		t.Errorf("EX_21 document filename = %q", sub.DocumentFilename)
	}
	if !strings.Contains(sub.Text, "Apple Operations International Limited") {
		t.Error("EX_21 text lost the subsidiary table")
	}
	if _, ok := byKey["EX_10_3"]; !ok {
		t.Errorf("no EX_10_3 section in %v", sectionKeys(sections))
	}
}

func TestExhibitSectionKey(t *testing.T) {
	tests := []struct {
		docType string
		want    string
	}{
		{"EX-21", "EX_21"},
		{"EX-10.3", "EX_10_3"},
		{"EX-10", "EX_10"},
		{"EX-99.1", ""},
		{"PRIMARY", ""},
	}
	for _, tt := range tests {
		if got := exhibitSectionKey(tt.docType); got != tt.want {
			t.Errorf("exhibitSectionKey(%q) = %q, want %q", tt.docType, got, tt.want)
		}
	}
}

func sectionKeys(sections []Section) []string {
	keys := make([]string, len(sections))
	for i, s := range sections {
		keys[i] = s.SectionKey
	}
	return keys
}
