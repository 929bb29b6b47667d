package graph

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCueClassify(t *testing.T) {
	cues := DefaultCues()

	cases := []struct {
		name     string
		sentence string
		want     RelationshipType
		matched  bool
	}{
		{
			name:     "compete with",
			sentence: "We compete directly with Samsung Electronics in the smartphone market.",
			want:     RelCompetitorOf, matched: true,
		},
		{
			name:     "competitors include",
			sentence: "Our principal competitors include Dell Technologies and HP Inc.",
			want:     RelCompetitorOf, matched: true,
		},
		{
			name:     "sole supplier",
			sentence: "Taiwan Semiconductor Manufacturing Company is the sole supplier of our custom silicon.",
			want:     RelSupplierTo, matched: true,
		},
		{
			name:     "purchased from",
			sentence: "We purchased substantially all display panels from LG Display during fiscal 2023.",
			want:     RelSupplierTo, matched: true,
		},
		{
			name:     "customer concentration",
			sentence: "Sales to Walmart Inc. accounted for approximately 14% of our net revenue.",
			want:     RelCustomerOf, matched: true,
		},
		{
			name:     "joint venture",
			sentence: "In 2021 we formed a joint venture with Sony Group Corporation.",
			want:     RelPartnerOf, matched: true,
		},
		{
			name:     "customer service is not a customer",
			sentence: "Concentrix handles customer service operations in three regions.",
			matched:  false,
		},
		{
			name:     "limited partnership is not a partner",
			sentence: "The properties are held by Carey Diversified, a limited partnership.",
			matched:  false,
		},
		{
			name:     "plain mention",
			sentence: "Microsoft Corporation announced a new product line in March.",
			matched:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, conf, ok := cues.Classify(tc.sentence)
			if ok != tc.matched {
				t.Fatalf("Classify(%q) matched=%v, want %v", tc.sentence, ok, tc.matched)
			}
			if !tc.matched {
				return
			}
			if got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.sentence, got, tc.want)
			}
			if conf <= 0 || conf > 1 {
				t.Errorf("confidence %v outside (0, 1]", conf)
			}
		})
	}
}

// A sentence carrying two signals resolves by cue order, competitor
// first.
func TestCueClassifyPriority(t *testing.T) {
	cues := DefaultCues()

	got, _, ok := cues.Classify("We now compete with Foxconn, which previously supplied us with enclosures.")
	if !ok || got != RelCompetitorOf {
		t.Fatalf("mixed-signal sentence = %s (ok=%v), want %s", got, ok, RelCompetitorOf)
	}
}

func TestLoadCues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cues.yaml")
	doc := `cues:
  - type: COMPETITOR_OF
    confidence: 0.9
    patterns:
      - '(?i)\brival\b'
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cues, err := LoadCues(path)
	if err != nil {
		t.Fatalf("LoadCues: %v", err)
	}
	got, conf, ok := cues.Classify("Acme is our closest rival in the region.")
	if !ok || got != RelCompetitorOf || conf != 0.9 {
		t.Errorf("loaded cue gave (%s, %v, %v), want (COMPETITOR_OF, 0.9, true)", got, conf, ok)
	}

	// Loaded cues replace the defaults wholesale.
	if _, _, ok := cues.Classify("We compete directly with Samsung."); ok {
		t.Error("default cue survived a wholesale replacement")
	}
}

func TestLoadCuesRejectsBadConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cues.yaml")
	doc := `cues:
  - type: SUPPLIER_TO
    confidence: 1.5
    patterns: ['x']
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCues(path); err == nil {
		t.Fatal("expected error for confidence outside (0, 1]")
	}
}
