package spine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

type claimKey struct {
	scheme Scheme
	value  string
}

// MemoryStore is the in-process Store used by tests and dry runs. One
// mutex guards everything. Values are copied on the way in and out, so
// callers can never alias stored rows.
type MemoryStore struct {
	mu           sync.Mutex
	nextEntity   int64
	nextSecurity int64
	nextListing  int64
	nextClaim    int64
	nextVersion  int64

	entities   map[int64]*Entity
	securities map[int64]*Security
	listings   map[int64]*Listing
	claims     map[claimKey][]*IdentifierClaim
	byClaimID  map[int64]*IdentifierClaim
	versions   map[int64][]*EntityVersion
	aliases    map[string][]Alias // by normalized alias
	names      map[string]map[int64]bool
	redirects  map[int64]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[int64]*Entity),
		securities: make(map[int64]*Security),
		listings:   make(map[int64]*Listing),
		claims:     make(map[claimKey][]*IdentifierClaim),
		byClaimID:  make(map[int64]*IdentifierClaim),
		versions:   make(map[int64][]*EntityVersion),
		aliases:    make(map[string][]Alias),
		names:      make(map[string]map[int64]bool),
		redirects:  make(map[int64]int64),
	}
}

func (s *MemoryStore) Claims(ctx context.Context, scheme Scheme, value string) ([]IdentifierClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.claims[claimKey{scheme, value}]
	out := make([]IdentifierClaim, 0, len(rows))
	for _, c := range rows {
		out = append(out, *c)
	}
	return out, nil
}

func (s *MemoryStore) ClaimOwner(ctx context.Context, c IdentifierClaim) (ClaimOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimOwnerLocked(c)
}

func (s *MemoryStore) claimOwnerLocked(c IdentifierClaim) (ClaimOwner, error) {
	switch c.OwnerLevel {
	case LevelEntity:
		if _, ok := s.entities[c.OwnerID]; !ok {
			return ClaimOwner{}, ErrNotFound
		}
		return ClaimOwner{EntityID: c.OwnerID}, nil
	case LevelSecurity:
		sec, ok := s.securities[c.OwnerID]
		if !ok {
			return ClaimOwner{}, ErrNotFound
		}
		return ClaimOwner{EntityID: sec.EntityID}, nil
	case LevelListing:
		lst, ok := s.listings[c.OwnerID]
		if !ok {
			return ClaimOwner{}, ErrNotFound
		}
		sec, ok := s.securities[lst.SecurityID]
		if !ok {
			return ClaimOwner{}, ErrNotFound
		}
		return ClaimOwner{EntityID: sec.EntityID, Exchange: lst.Exchange}, nil
	}
	return ClaimOwner{}, eris.Errorf("spine: unknown owner level %q", c.OwnerLevel)
}

func (s *MemoryStore) ClaimsForEntity(ctx context.Context, entityID int64) ([]IdentifierClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []IdentifierClaim
	for _, c := range s.byClaimID {
		owner, err := s.claimOwnerLocked(*c)
		if err != nil {
			continue
		}
		if owner.EntityID == entityID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimID < out[j].ClaimID })
	return out, nil
}

func (s *MemoryStore) Entity(ctx context.Context, entityID int64) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) EntitiesByName(ctx context.Context, norm string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.names[norm]
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) AliasesByName(ctx context.Context, norm string) ([]Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alias(nil), s.aliases[norm]...), nil
}

func (s *MemoryStore) Versions(ctx context.Context, entityID int64) ([]EntityVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.versions[entityID]
	out := make([]EntityVersion, 0, len(rows))
	for _, v := range rows {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (s *MemoryStore) Redirect(ctx context.Context, entityID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, ok := s.redirects[entityID]
	return to, ok, nil
}

func (s *MemoryStore) ListNames(ctx context.Context, limit int) ([]NameRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]NameRow, 0, len(ids))
	for _, id := range ids {
		e := s.entities[id]
		if e.Status == StatusRedirected {
			continue
		}
		out = append(out, NameRow{EntityID: e.EntityID, Name: e.PrimaryName, Type: e.EntityType})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SupportsAsOf() bool { return true }

func (s *MemoryStore) CreateEntity(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntity++
	e.EntityID = s.nextEntity
	cp := *e
	s.entities[e.EntityID] = &cp
	s.indexNameLocked(e.EntityID, e.PrimaryName)
	return nil
}

func (s *MemoryStore) UpdateEntity(ctx context.Context, e *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.EntityID]; !ok {
		return ErrNotFound
	}
	cp := *e
	s.entities[e.EntityID] = &cp
	// Old names stay indexed; historical matching depends on them.
	s.indexNameLocked(e.EntityID, e.PrimaryName)
	return nil
}

func (s *MemoryStore) CreateSecurity(ctx context.Context, sec *Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[sec.EntityID]; !ok {
		return ErrNotFound
	}
	s.nextSecurity++
	sec.SecurityID = s.nextSecurity
	cp := *sec
	s.securities[sec.SecurityID] = &cp
	return nil
}

func (s *MemoryStore) CreateListing(ctx context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.securities[l.SecurityID]; !ok {
		return ErrNotFound
	}
	s.nextListing++
	l.ListingID = s.nextListing
	cp := *l
	s.listings[l.ListingID] = &cp
	return nil
}

func (s *MemoryStore) ListingsForEntity(ctx context.Context, entityID int64) ([]Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Listing
	for _, l := range s.listings {
		sec, ok := s.securities[l.SecurityID]
		if ok && sec.EntityID == entityID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (s *MemoryStore) AddClaim(ctx context.Context, c *IdentifierClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextClaim++
	c.ClaimID = s.nextClaim
	cp := *c
	key := claimKey{c.Scheme, c.Value}
	s.claims[key] = append(s.claims[key], &cp)
	s.byClaimID[c.ClaimID] = &cp
	return nil
}

func (s *MemoryStore) CloseClaim(ctx context.Context, claimID int64, at time.Time, status ClaimStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byClaimID[claimID]
	if !ok {
		return ErrNotFound
	}
	if c.ValidTo != nil {
		return eris.Errorf("spine: claim %d already closed", claimID)
	}
	t := at
	c.ValidTo = &t
	c.Status = status
	return nil
}

func (s *MemoryStore) AddVersion(ctx context.Context, v *EntityVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[v.EntityID]; !ok {
		return ErrNotFound
	}
	s.nextVersion++
	v.VersionID = s.nextVersion
	cp := *v
	s.versions[v.EntityID] = append(s.versions[v.EntityID], &cp)
	s.indexNameLocked(v.EntityID, v.Name)
	return nil
}

func (s *MemoryStore) CloseVersion(ctx context.Context, entityID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[entityID] {
		if v.ValidTo == nil {
			t := at
			v.ValidTo = &t
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) AddAlias(ctx context.Context, a Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[a.EntityID]; !ok {
		return ErrNotFound
	}
	norm := NormalizeName(a.Alias)
	if norm == "" {
		return eris.New("spine: alias normalizes to nothing")
	}
	s.aliases[norm] = append(s.aliases[norm], a)
	return nil
}

func (s *MemoryStore) SetRedirect(ctx context.Context, fromID, toID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[fromID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.entities[toID]; !ok {
		return ErrNotFound
	}
	s.redirects[fromID] = toID
	return nil
}

func (s *MemoryStore) indexNameLocked(entityID int64, name string) {
	norm := NormalizeName(name)
	if norm == "" {
		return
	}
	set, ok := s.names[norm]
	if !ok {
		set = make(map[int64]bool)
		s.names[norm] = set
	}
	set[entityID] = true
}
