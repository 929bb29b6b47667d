package sections

import (
	"bytes"
	"strings"
	"testing"
)

func TestCanonicalizeCollapsesAndBreaks(t *testing.T) {
	raw := []byte(`<html><head><title>ignored</title><style>p{color:red}</style></head>
<body>
<p>Alpha   beta</p>
<div>Gamma&nbsp;delta</div>
<p>Epsilon</p>
</body></html>`)

	doc := Canonicalize(raw)
	want := "Alpha beta\nGamma delta\nEpsilon"
	if doc.Text != want {
		t.Errorf("canonical text = %q, want %q", doc.Text, want)
	}
}

func TestCanonicalizeTableCells(t *testing.T) {
	raw := []byte(`<table><tr><td>Item 1.</td><td>Business</td><td>3</td></tr>` +
		`<tr><td>Item 1A.</td><td>Risk Factors</td><td>9</td></tr></table>`)

	doc := Canonicalize(raw)
	want := "Item 1. Business 3\nItem 1A. Risk Factors 9"
	if doc.Text != want {
		t.Errorf("canonical text = %q, want %q", doc.Text, want)
	}
}

func TestCanonicalizeSkipsHiddenContent(t *testing.T) {
	raw := []byte(`<body>` +
		`<ix:header><div>fact dump</div></ix:header>` +
		`<div style="display: none">hidden notice</div>` +
		`<script>var x = 1;</script>` +
		`<p>Visible</p></body>`)

	doc := Canonicalize(raw)
	if doc.Text != "Visible" {
		t.Errorf("canonical text = %q, want %q", doc.Text, "Visible")
	}
}

func TestCanonicalizeEmptyDocument(t *testing.T) {
	doc := Canonicalize([]byte(`<html><head><title>x</title></head><body><script>y()</script></body></html>`))
	if doc.Text != "" {
		t.Errorf("canonical text = %q, want empty", doc.Text)
	}
	if doc.RawOffset(0) != 0 {
		t.Errorf("RawOffset(0) on empty document = %d, want 0", doc.RawOffset(0))
	}
}

func TestCanonicalizeDecodesEntities(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"named", `<p>Q&amp;A</p>`, "Q&A"},
		{"numeric", `<p>Management&#8217;s</p>`, "Management’s"},
		{"nbsp folds", `<p>a&nbsp;&nbsp;b</p>`, "a b"},
		{"bare ampersand", `<p>AT&T</p>`, "AT&T"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize([]byte(tt.raw)).Text; got != tt.want {
				t.Errorf("canonical text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRawOffsetRoundTrip(t *testing.T) {
	raw := []byte(`<body><p>Item 1.&nbsp;Business</p><div>The Company designs devices.</div></body>`)
	doc := Canonicalize(raw)

	for _, needle := range []string{"Item 1.", "Business", "The Company", "devices"} {
		pos := strings.Index(doc.Text, needle)
		if pos < 0 {
			t.Fatalf("%q absent from canonical text %q", needle, doc.Text)
		}
		rawPos := doc.RawOffset(pos)
		if !bytes.HasPrefix(raw[rawPos:], []byte(needle[:1])) {
			t.Errorf("RawOffset(%q) = %d, raw there is %q", needle, rawPos, raw[rawPos:rawPos+1])
		}
		wantRaw := bytes.Index(raw, []byte(needle))
		if rawPos != wantRaw {
			t.Errorf("RawOffset(%q) = %d, want %d", needle, rawPos, wantRaw)
		}
	}
}

func TestRawOffsetAfterEntity(t *testing.T) {
	raw := []byte(`<p>Q&amp;A session</p>`)
	doc := Canonicalize(raw)
	if doc.Text != "Q&A session" {
		t.Fatalf("canonical text = %q", doc.Text)
	}

	// The decoded ampersand maps to the entity start; the text after it
	// maps one-to-one again.
	if got, want := doc.RawOffset(strings.Index(doc.Text, "&")), bytes.IndexByte(raw, '&'); got != want {
		t.Errorf("entity offset = %d, want %d", got, want)
	}
	if got, want := doc.RawOffset(strings.Index(doc.Text, "A session")), bytes.Index(raw, []byte("A session")); got != want {
		t.Errorf("post-entity offset = %d, want %d", got, want)
	}
}

func TestRawRangeCoversHeading(t *testing.T) {
	raw := []byte(`<body><p>preamble text here</p><p><b>Item 1. Business</b></p><p>body</p></body>`)
	doc := Canonicalize(raw)

	start := strings.Index(doc.Text, "Item 1. Business")
	end := start + len("Item 1. Business")
	rawStart, rawEnd := doc.RawRange(start, end)
	if got := string(raw[rawStart:rawEnd]); got != "Item 1. Business" {
		t.Errorf("raw slice = %q, want heading text", got)
	}
}
