package feedspine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/edgar"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
)

// ContentHash digests the feed-independent identity fields of a candidate.
// Two feeds describing the same unchanged filing must hash identically, so
// per-feed fields (source URL, observation time) stay out.
func ContentHash(c edgar.RecordCandidate) string {
	parts := []string{
		edgar.CanonicalAccession(c.Accession),
		edgar.PadCIK(c.CIK),
		strings.ToUpper(strings.TrimSpace(c.FormType)),
		normalizeName(c.CompanyName),
		c.PublishedAt.UTC().Format("2006-01-02"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// normalizeName flattens case, punctuation and whitespace so cosmetic
// variations between feeds ("Apple Inc." vs "APPLE INC") hash the same.
func normalizeName(name string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToUpper(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) && !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Admitter applies the capture algorithm: one record per natural key,
// append-only sightings, content-change detection, and a per-feed de-dupe
// window that suppresses rapid identical re-observations.
type Admitter struct {
	store   Store
	window  time.Duration
	metrics *metrics.Collector
	log     *zap.Logger
	now     func() time.Time
}

func NewAdmitter(store Store, window time.Duration, m *metrics.Collector) *Admitter {
	return &Admitter{
		store:   store,
		window:  window,
		metrics: m,
		log:     logging.Component("feedspine.admit"),
		now:     time.Now,
	}
}

// Admit records one observation of a candidate. Concurrent admits of the
// same natural key serialize on the record's row lock; the loser sees the
// winner's insert and lands in the resight path.
func (a *Admitter) Admit(ctx context.Context, cand edgar.RecordCandidate) (AdmitResult, *Record, error) {
	if cand.NaturalKey == "" || !edgar.ValidAccession(cand.Accession) {
		return "", nil, eris.Errorf("feedspine: candidate from %q has no usable identity", cand.Feed)
	}

	now := a.now().UTC()
	published := cand.PublishedAt.UTC()
	if published.After(now) {
		// Source clock skew; captured_at must never precede published_at.
		a.log.Warn("published_at in the future, clamping",
			zap.String("natural_key", cand.NaturalKey),
			zap.Time("published_at", published))
		published = now
	}
	hash := ContentHash(cand)

	var (
		result AdmitResult
		record *Record
	)
	err := a.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.LookupForUpdate(ctx, cand.NaturalKey)
		if err != nil && !eris.Is(err, ErrNotFound) {
			return err
		}

		if existing == nil {
			rec := &Record{
				NaturalKey:  cand.NaturalKey,
				Accession:   edgar.CanonicalAccession(cand.Accession),
				CIK:         edgar.PadCIK(cand.CIK),
				CompanyName: strings.TrimSpace(cand.CompanyName),
				FormType:    cand.FormType,
				ContentHash: hash,
				PublishedAt: published,
				CapturedAt:  now,
				Layer:       LayerBronze,
				RawPayload:  cand.RawPayload,
			}
			if err := tx.InsertRecord(ctx, rec); err != nil {
				return err
			}
			if err := tx.AppendSighting(ctx, &Sighting{
				RecordID:        rec.RecordID,
				Feed:            cand.Feed,
				ObservedAt:      now,
				SourceURL:       cand.SourceURL,
				SourceUpdatedAt: cand.SourceUpdatedAt,
				ContentHash:     hash,
			}); err != nil {
				return err
			}
			result, record = AdmitNew, rec
			return nil
		}

		last, err := tx.LastSighting(ctx, existing.RecordID)
		if err != nil {
			return err
		}

		if last != nil && last.ContentHash == hash {
			recent, err := tx.HasRecentSighting(ctx, existing.RecordID, cand.Feed, now.Add(-a.window))
			if err != nil {
				return err
			}
			if recent {
				result, record = AdmitDuplicate, existing
				return nil
			}
			if err := tx.AppendSighting(ctx, &Sighting{
				RecordID:        existing.RecordID,
				Feed:            cand.Feed,
				ObservedAt:      now,
				SourceURL:       cand.SourceURL,
				SourceUpdatedAt: cand.SourceUpdatedAt,
				ContentHash:     hash,
			}); err != nil {
				return err
			}
			result, record = AdmitResighted, existing
			return nil
		}

		// Content changed since the last sighting: keep the superseded
		// fields in the sighting envelope and move the record forward.
		if err := tx.AppendSighting(ctx, &Sighting{
			RecordID:        existing.RecordID,
			Feed:            cand.Feed,
			ObservedAt:      now,
			SourceURL:       cand.SourceURL,
			SourceUpdatedAt: cand.SourceUpdatedAt,
			ContentHash:     hash,
			WasModified:     true,
			PriorContent: map[string]interface{}{
				"content_hash": existing.ContentHash,
				"form_type":    existing.FormType,
				"company_name": existing.CompanyName,
				"raw_payload":  existing.RawPayload,
			},
		}); err != nil {
			return err
		}
		if err := tx.UpdateContent(ctx, existing.RecordID, hash, cand.RawPayload); err != nil {
			return err
		}
		existing.ContentHash = hash
		existing.WasModified = true
		existing.RawPayload = cand.RawPayload
		existing.Processed = false
		result, record = AdmitResighted, existing
		return nil
	})
	if err != nil {
		return "", nil, eris.Wrapf(err, "feedspine: admit %s", cand.NaturalKey)
	}

	if a.metrics != nil {
		a.metrics.RecordsAdmitted.WithLabelValues(string(result)).Inc()
	}
	a.log.Debug("admitted",
		zap.String("natural_key", cand.NaturalKey),
		zap.String("feed", cand.Feed),
		zap.String("result", string(result)))
	return result, record, nil
}
