package spine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/validate"
)

// ============================================================================
// Resolver
// ============================================================================

const (
	// DefaultFuzzyThreshold is the minimum similarity the fuzzy rung
	// accepts.
	DefaultFuzzyThreshold = 0.82
	// DefaultFuzzyMargin is the minimum gap to the runner-up entity before
	// a fuzzy hit counts as unambiguous.
	DefaultFuzzyMargin = 0.05
)

// DefaultExchangePriority breaks ticker collisions: when two listings
// somehow hold active claims on the same symbol, the earlier exchange in
// this list wins.
var DefaultExchangePriority = []string{"NYSE", "NASDAQ", "NYSE MKT", "CBOE", "OTC"}

// Resolver maps candidate spans to canonical entities through a fixed
// ladder: exact identifier, exact name, alias, fuzzy, unresolved. The
// first rung that lands wins; every answer follows merge redirects to
// the surviving entity.
type Resolver struct {
	store    Store
	cache    *NameCache
	recorder *validate.Recorder
	metrics  *metrics.Collector
	log      *zap.Logger

	fuzzyThreshold float64
	fuzzyMargin    float64
	exchangeRank   map[string]int
	now            func() time.Time
}

// ResolverOptions configures a Resolver. Zero values fall back to the
// defaults above; a nil Cache disables the fuzzy rung.
type ResolverOptions struct {
	Cache            *NameCache
	Recorder         *validate.Recorder
	Metrics          *metrics.Collector
	Logger           *zap.Logger
	FuzzyThreshold   float64
	FuzzyMargin      float64
	ExchangePriority []string
}

func NewResolver(store Store, opts ResolverOptions) *Resolver {
	rec := opts.Recorder
	if rec == nil {
		rec = validate.NewRecorder(validate.RecorderOptions{})
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	threshold := opts.FuzzyThreshold
	if threshold == 0 {
		threshold = DefaultFuzzyThreshold
	}
	margin := opts.FuzzyMargin
	if margin == 0 {
		margin = DefaultFuzzyMargin
	}
	priority := opts.ExchangePriority
	if len(priority) == 0 {
		priority = DefaultExchangePriority
	}
	rank := make(map[string]int, len(priority))
	for i, ex := range priority {
		rank[strings.ToUpper(ex)] = i
	}

	return &Resolver{
		store:          store,
		cache:          opts.Cache,
		recorder:       rec,
		metrics:        m,
		log:            log,
		fuzzyThreshold: threshold,
		fuzzyMargin:    margin,
		exchangeRank:   rank,
		now:            time.Now,
	}
}

// Resolve runs the ladder for one candidate. A zero asOf falls back to
// the filing date, then to the current time. Store errors abort with an
// error; every other outcome is a Resolution, unresolved ones included.
func (r *Resolver) Resolve(ctx context.Context, cand Candidate, fctx FilingContext, asOf time.Time) (Resolution, error) {
	if asOf.IsZero() {
		asOf = fctx.FilingDate
	}
	if asOf.IsZero() {
		asOf = r.now().UTC()
	}

	var warnings []Warning
	if !r.store.SupportsAsOf() {
		warnings = append(warnings, WarnAsOfIgnored)
		r.recorder.Record(ctx, validate.Event{
			Kind:    validate.KindAsOfIgnored,
			Subject: cand.Text,
			Detail:  "store resolves current state only",
		})
	}

	res, err := r.resolveLadder(ctx, cand, asOf, warnings)
	if err != nil {
		return Resolution{Method: MethodUnresolved, Warnings: warnings}, err
	}
	r.metrics.Resolutions.WithLabelValues(string(res.Method)).Inc()
	return res, nil
}

func (r *Resolver) resolveLadder(ctx context.Context, cand Candidate, asOf time.Time, warnings []Warning) (Resolution, error) {
	// Rung 1: the span itself is an identifier.
	if res, ok, err := r.byIdentifier(ctx, cand.Text, asOf, &warnings); err != nil {
		return Resolution{}, err
	} else if ok {
		res.Warnings = warnings
		return res, nil
	}

	norm := NormalizeName(cand.Text)
	if norm == "" {
		return Resolution{Method: MethodUnresolved, Warnings: warnings}, nil
	}

	// Rung 2: exact match on a current or historical name.
	if res, ok, err := r.byExactName(ctx, norm, &warnings); err != nil {
		return Resolution{}, err
	} else if ok {
		res.Warnings = warnings
		return res, nil
	}

	// Rung 3: alias.
	if res, ok, err := r.byAlias(ctx, norm, &warnings); err != nil {
		return Resolution{}, err
	} else if ok {
		res.Warnings = warnings
		return res, nil
	}

	// Rung 4: fuzzy over the hot cache.
	if res, ok, err := r.byFuzzy(ctx, norm, &warnings); err != nil {
		return Resolution{}, err
	} else if ok {
		res.Warnings = warnings
		return res, nil
	}

	return Resolution{Method: MethodUnresolved, Warnings: warnings}, nil
}

// byIdentifier looks the span up as a ticker, CIK, LEI, CUSIP, or ISIN.
// Claims are filtered to those active at asOf; a value with history but
// no covering claim adds NO_ACTIVE_CLAIM and the ladder continues.
func (r *Resolver) byIdentifier(ctx context.Context, text string, asOf time.Time, warnings *[]Warning) (Resolution, bool, error) {
	temporal := r.store.SupportsAsOf()
	for _, g := range identifierGuesses(text) {
		claims, err := r.store.Claims(ctx, g.scheme, g.value)
		if err != nil {
			return Resolution{}, false, eris.Wrapf(err, "spine: claims %s=%s", g.scheme, g.value)
		}
		if len(claims) == 0 {
			continue
		}

		var active []IdentifierClaim
		for _, c := range claims {
			if !claimUsable(c) {
				continue
			}
			if temporal {
				if !c.Covers(asOf) {
					continue
				}
			} else if c.ValidTo != nil {
				// Without temporal reads only open claims mean anything.
				continue
			}
			active = append(active, c)
		}
		if len(active) == 0 {
			*warnings = append(*warnings, WarnNoActiveClaim)
			continue
		}

		owner, err := r.pickOwner(ctx, g, active)
		if err != nil {
			return Resolution{}, false, err
		}
		entityID, err := r.FollowRedirects(ctx, owner.EntityID)
		if err != nil {
			return Resolution{}, false, err
		}
		return Resolution{EntityID: entityID, Method: MethodExact, Confidence: 1.0}, true, nil
	}
	return Resolution{}, false, nil
}

// claimUsable reports whether a claim participates in resolution.
// SUPERSEDED claims stay usable: the status only records that a
// successor closed the window, and historical lookups still need the
// old window. INACTIVE and DISPUTED claims are retracted assertions.
func claimUsable(c IdentifierClaim) bool {
	return c.Status == ClaimActive || c.Status == ClaimSuperseded
}

// pickOwner chooses among simultaneously active claims on one value.
// Two owners at once violates the claim invariant, so the collision is
// recorded, then broken by exchange priority.
func (r *Resolver) pickOwner(ctx context.Context, g identifierGuess, active []IdentifierClaim) (ClaimOwner, error) {
	owners := make([]ClaimOwner, len(active))
	for i, c := range active {
		o, err := r.store.ClaimOwner(ctx, c)
		if err != nil {
			return ClaimOwner{}, eris.Wrapf(err, "spine: owner of claim %d", c.ClaimID)
		}
		owners[i] = o
	}
	if len(owners) == 1 {
		return owners[0], nil
	}

	distinct := make(map[int64]bool, len(owners))
	for _, o := range owners {
		distinct[o.EntityID] = true
	}
	if len(distinct) > 1 {
		r.recorder.Record(ctx, validate.Event{
			Kind:     validate.KindClaimConflict,
			Severity: validate.SeverityError,
			Subject:  fmt.Sprintf("%s:%s", g.scheme, g.value),
			Detail:   "multiple active claims on different owners",
			Context:  map[string]any{"owners": len(distinct)},
		})
	}

	sort.SliceStable(owners, func(i, j int) bool {
		return r.exchangePriority(owners[i].Exchange) < r.exchangePriority(owners[j].Exchange)
	})
	return owners[0], nil
}

func (r *Resolver) exchangePriority(exchange string) int {
	if rank, ok := r.exchangeRank[strings.ToUpper(exchange)]; ok {
		return rank
	}
	return len(r.exchangeRank)
}

// byExactName matches the normalized span against known entity names.
// Several hits that redirect to one survivor still count as exact; truly
// distinct entities sharing a name are ambiguous and stop the ladder,
// since alias and fuzzy would only re-find the same collision.
func (r *Resolver) byExactName(ctx context.Context, norm string, warnings *[]Warning) (Resolution, bool, error) {
	ids, err := r.store.EntitiesByName(ctx, norm)
	if err != nil {
		return Resolution{}, false, eris.Wrapf(err, "spine: entities named %q", norm)
	}
	if len(ids) == 0 {
		return Resolution{}, false, nil
	}

	canonical := make(map[int64]bool, len(ids))
	var first int64
	for _, id := range ids {
		cid, err := r.FollowRedirects(ctx, id)
		if err != nil {
			return Resolution{}, false, err
		}
		if len(canonical) == 0 {
			first = cid
		}
		canonical[cid] = true
	}
	if len(canonical) > 1 {
		*warnings = append(*warnings, WarnAmbiguous)
		return Resolution{Method: MethodUnresolved}, true, nil
	}
	return Resolution{EntityID: first, Method: MethodExact, Confidence: 1.0}, true, nil
}

// byAlias matches former names and trade names. Confidence is the alias
// row's, clamped into the alias band below exact and above fuzzy.
func (r *Resolver) byAlias(ctx context.Context, norm string, warnings *[]Warning) (Resolution, bool, error) {
	rows, err := r.store.AliasesByName(ctx, norm)
	if err != nil {
		return Resolution{}, false, eris.Wrapf(err, "spine: aliases named %q", norm)
	}
	if len(rows) == 0 {
		return Resolution{}, false, nil
	}

	best := make(map[int64]float64, len(rows))
	var first int64
	for _, a := range rows {
		cid, err := r.FollowRedirects(ctx, a.EntityID)
		if err != nil {
			return Resolution{}, false, err
		}
		if len(best) == 0 {
			first = cid
		}
		if prev, ok := best[cid]; !ok || a.Confidence > prev {
			best[cid] = a.Confidence
		}
	}
	if len(best) > 1 {
		*warnings = append(*warnings, WarnAmbiguous)
		return Resolution{Method: MethodUnresolved}, true, nil
	}
	return Resolution{EntityID: first, Method: MethodAlias, Confidence: clampAlias(best[first])}, true, nil
}

func clampAlias(conf float64) float64 {
	if conf < 0.90 {
		return 0.90
	}
	if conf > 0.99 {
		return 0.99
	}
	return conf
}

// byFuzzy scores the span against the hot cache. A hit needs both the
// threshold and clear air to the runner-up entity; close seconds are
// ambiguous, scores under the threshold fall through silently.
func (r *Resolver) byFuzzy(ctx context.Context, norm string, warnings *[]Warning) (Resolution, bool, error) {
	if r.cache == nil || r.cache.Len() == 0 {
		return Resolution{}, false, nil
	}

	best, second := r.cache.Closest(norm)
	if best.EntityID == 0 || best.Score < r.fuzzyThreshold {
		return Resolution{}, false, nil
	}
	if second.EntityID != 0 && best.Score-second.Score < r.fuzzyMargin {
		*warnings = append(*warnings, WarnAmbiguous)
		r.log.Debug("fuzzy match ambiguous",
			zap.String("probe", norm),
			zap.String("best", best.Name),
			zap.Float64("best_score", best.Score),
			zap.String("second", second.Name),
			zap.Float64("second_score", second.Score))
		return Resolution{Method: MethodUnresolved}, true, nil
	}

	entityID, err := r.FollowRedirects(ctx, best.EntityID)
	if err != nil {
		return Resolution{}, false, err
	}
	return Resolution{EntityID: entityID, Method: MethodFuzzy, Confidence: best.Score}, true, nil
}

// FollowRedirects walks merge redirects to the canonical entity. A cycle
// is recorded and the walk stops at the last entity before the repeat,
// so a bad merge degrades one lookup instead of hanging it.
func (r *Resolver) FollowRedirects(ctx context.Context, entityID int64) (int64, error) {
	seen := map[int64]bool{entityID: true}
	cur := entityID
	for {
		next, ok, err := r.store.Redirect(ctx, cur)
		if err != nil {
			return cur, eris.Wrapf(err, "spine: redirect of entity %d", cur)
		}
		if !ok {
			return cur, nil
		}
		if seen[next] {
			r.recorder.Record(ctx, validate.Event{
				Kind:     validate.KindRedirectCycle,
				Severity: validate.SeverityError,
				Subject:  fmt.Sprintf("entity:%d", entityID),
				Detail:   "redirect chain revisits an entity",
				Context:  map[string]any{"at": cur, "repeats": next},
			})
			return cur, nil
		}
		seen[next] = true
		cur = next
	}
}
