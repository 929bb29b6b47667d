package mentions_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apiMentions "github.com/ryansmccoy/py-sec-edgar-sub002/pkg/api/mentions"
	coreMentions "github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/mentions"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

const accession = "0000320193-24-000081"

type env struct {
	mentions *coreMentions.MemoryStore
	spine    *spine.MemoryStore
	srv      *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		mentions: coreMentions.NewMemoryStore(),
		spine:    spine.NewMemoryStore(),
	}
	r := chi.NewRouter()
	r.Mount("/mentions", apiMentions.NewHandler(e.mentions, e.spine).Routes())
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

// seedMention stores one mention and returns its id.
func (e *env) seedMention(t *testing.T, text string, start int) string {
	t.Helper()
	seen := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	m := coreMentions.Mention{
		MentionID:  uuid.NewString(),
		EntityText: text,
		TypeHint:   coreMentions.HintCompany,
		SourceLocation: coreMentions.SourceLocation{
			CharStart:    start,
			CharEnd:      start + len(text),
			SentenceText: "We rely on " + text + " for fabrication.",
		},
		Extraction: coreMentions.Extraction{Method: coreMentions.MethodDictionary, Confidence: 0.95, ExtractedAt: seen},
		Temporal: coreMentions.Temporal{
			FirstSeenAt:     seen,
			FirstSeenFiling: accession,
			LastSeenAt:      seen,
			LastSeenFiling:  accession,
			OccurrenceCount: 1,
			IsNew:           true,
		},
	}
	if _, err := e.mentions.ReconcileSection(context.Background(), accession, "ITEM_1A", []coreMentions.Mention{m}); err != nil {
		t.Fatalf("ReconcileSection: %v", err)
	}
	return m.MentionID
}

func getEvidence(t *testing.T, e *env, id string) (int, models.MentionEvidence) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + "/mentions/" + id + "/evidence")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var out models.MentionEvidence
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestEvidenceResolved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sp := spine.NewSpine(e.spine, spine.SpineOptions{})
	tsmc, err := sp.CreateInferred(ctx, "Taiwan Semiconductor Manufacturing Company", "TW", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CreateInferred: %v", err)
	}

	id := e.seedMention(t, "TSMC", 45011)
	err = e.mentions.SetResolution(ctx, id, coreMentions.Resolution{
		ResolvedEntityID:     tsmc.EntityID,
		ResolutionMethod:     "ALIAS",
		ResolutionConfidence: 0.92,
	})
	if err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	code, out := getEvidence(t, e, id)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Mention.EntityText != "TSMC" || out.Mention.SourceLocation.CharStart != 45011 {
		t.Errorf("mention = %+v", out.Mention)
	}
	if out.Mention.Temporal.OccurrenceCount != 1 || out.Mention.Temporal.FirstSeenFiling != accession {
		t.Errorf("temporal = %+v", out.Mention.Temporal)
	}
	if out.Entity == nil || out.Entity.EntityID != tsmc.EntityID {
		t.Errorf("entity = %+v", out.Entity)
	}
}

func TestEvidenceUnresolved(t *testing.T) {
	e := newEnv(t)
	id := e.seedMention(t, "Samsung", 45300)

	code, out := getEvidence(t, e, id)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Mention.Resolution != nil || out.Entity != nil {
		t.Errorf("evidence = %+v, want no resolution block", out)
	}
}

// A resolution pointing at an entity the store no longer has is served
// without the entity block rather than failing the whole read.
func TestEvidenceDanglingEntity(t *testing.T) {
	e := newEnv(t)
	id := e.seedMention(t, "TSMC", 45011)
	err := e.mentions.SetResolution(context.Background(), id, coreMentions.Resolution{
		ResolvedEntityID: 99999,
		ResolutionMethod: "EXACT",
	})
	if err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	code, out := getEvidence(t, e, id)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Mention.Resolution == nil || out.Entity != nil {
		t.Errorf("evidence = %+v, want resolution without entity", out)
	}
}

func TestEvidenceNotFound(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/mentions/" + uuid.NewString() + "/evidence")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var p struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != "not_found" {
		t.Errorf("code = %q", p.Code)
	}
}
