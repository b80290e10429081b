package internal

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// memstore is the in-memory store used across the engine, backfill, and
// handler tests. It mimics the production store's conflict behavior: inserts
// racing on an ISBN or normalized name lose with errConflict.
type memstore struct {
	mu sync.Mutex

	editions map[int64]*EditionResource
	authors  map[int64]*AuthorResource
	works    map[int64]*WorkResource

	editionAuthors [][2]int64
	workEditions   [][2]int64
	workAuthors    [][2]int64

	crosswalk   []CrosswalkRef
	logs        []*EnrichmentLog
	checkpoints map[string]*Checkpoint
	touched     []int64

	nextID int64
}

var _ store = (*memstore)(nil)

func newMemstore() *memstore {
	return &memstore{
		editions:    map[int64]*EditionResource{},
		authors:     map[int64]*AuthorResource{},
		works:       map[int64]*WorkResource{},
		checkpoints: map[string]*Checkpoint{},
	}
}

func (m *memstore) next() int64 {
	m.nextID++
	return m.nextID
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func (m *memstore) findByISBN(isbn string) *EditionResource {
	for _, id := range slices.Sorted(maps.Keys(m.editions)) {
		e := m.editions[id]
		if e.ISBN == isbn || slices.Contains(e.RelatedISBNs, isbn) {
			return e
		}
	}
	return nil
}

func (m *memstore) EditionByISBN(_ context.Context, isbn string) (*EditionResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findByISBN(isbn); e != nil {
		return clone(e), nil
	}
	return nil, errNotFound
}

func (m *memstore) InsertEdition(_ context.Context, e *EditionResource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findByISBN(e.ISBN) != nil {
		return 0, errConflict
	}
	stored := clone(e)
	stored.ID = m.next()
	m.editions[stored.ID] = stored
	return stored.ID, nil
}

func (m *memstore) UpdateEdition(_ context.Context, e *EditionResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.editions[e.ID]; !ok {
		return errNotFound
	}
	m.editions[e.ID] = clone(e)
	return nil
}

func (m *memstore) TouchEdition(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.touched = append(m.touched, id)
	return nil
}

func (m *memstore) ISBNsExisting(_ context.Context, isbns []string) (set[string], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := newSet[string]()
	for _, isbn := range isbns {
		if m.findByISBN(isbn) != nil {
			existing[isbn] = struct{}{}
		}
	}
	return existing, nil
}

func (m *memstore) StaleEditions(_ context.Context, afterID int64, limit int) ([]*EditionResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := []*EditionResource{}
	for _, id := range slices.Sorted(maps.Keys(m.editions)) {
		e := m.editions[id]
		if e.ID > afterID && (e.CoverURL == "" || e.Description == "") {
			stale = append(stale, clone(e))
			if len(stale) == limit {
				break
			}
		}
	}
	return stale, nil
}

func (m *memstore) AuthorByNormalizedName(_ context.Context, normalized string) (*AuthorResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *AuthorResource
	for _, a := range m.authors {
		if a.NormalizedName != normalized {
			continue
		}
		if best == nil || a.WorkCount > best.WorkCount ||
			(a.WorkCount == best.WorkCount && a.Key < best.Key) {
			best = a
		}
	}
	if best == nil {
		return nil, errNotFound
	}
	return clone(best), nil
}

func (m *memstore) InsertAuthor(_ context.Context, a *AuthorResource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalized := NormalizeAuthorName(a.Name)
	for _, existing := range m.authors {
		if existing.NormalizedName == normalized {
			return 0, errConflict
		}
	}
	stored := clone(a)
	stored.Key = m.next()
	stored.NormalizedName = normalized
	m.authors[stored.Key] = stored
	return stored.Key, nil
}

func (m *memstore) CanonicalAuthor(ctx context.Context, normalized string) (*AuthorResource, []string, error) {
	best, err := m.AuthorByNormalizedName(ctx, normalized)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	variants := newSet[string]()
	for _, a := range m.authors {
		if a.NormalizedName == normalized {
			variants[a.Name] = struct{}{}
		}
	}
	return best, sorted(variants), nil
}

func (m *memstore) NormalizeAuthors(_ context.Context, afterKey int64, batchSize int) (touched, lastKey int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lastKey = afterKey
	scanned := 0
	for _, key := range slices.Sorted(maps.Keys(m.authors)) {
		if key <= afterKey {
			continue
		}
		if scanned == batchSize {
			break
		}
		scanned++
		lastKey = key

		a := m.authors[key]
		if normalized := NormalizeAuthorName(a.Name); a.NormalizedName != normalized {
			a.NormalizedName = normalized
			touched++
		}
	}
	return touched, lastKey, nil
}

func (m *memstore) WorkByNormalizedTitle(_ context.Context, normalized string) (*WorkResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *WorkResource
	for _, w := range m.works {
		if w.NormalizedTitle != normalized {
			continue
		}
		if best == nil || w.Key < best.Key {
			best = w
		}
	}
	if best == nil {
		return nil, errNotFound
	}
	return clone(best), nil
}

func (m *memstore) InsertWork(_ context.Context, w *WorkResource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalized := NormalizeTitle(w.Title)
	for _, existing := range m.works {
		if existing.NormalizedTitle == normalized {
			return 0, errConflict
		}
	}
	stored := clone(w)
	stored.Key = m.next()
	stored.NormalizedTitle = normalized
	m.works[stored.Key] = stored
	return stored.Key, nil
}

func (m *memstore) LinkEditionAuthor(_ context.Context, editionID, authorKey int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.editionAuthors = append(m.editionAuthors, [2]int64{editionID, authorKey})
	return nil
}

func (m *memstore) LinkWorkEdition(_ context.Context, workKey, editionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workEditions = append(m.workEditions, [2]int64{workKey, editionID})
	return nil
}

func (m *memstore) LinkWorkAuthor(_ context.Context, workKey, authorKey int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workAuthors = append(m.workAuthors, [2]int64{workKey, authorKey})
	return nil
}

func (m *memstore) InsertCrosswalk(_ context.Context, refs ...CrosswalkRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ref := range refs {
		already := slices.ContainsFunc(m.crosswalk, func(r CrosswalkRef) bool {
			return r.EntityType == ref.EntityType && r.Provider == ref.Provider && r.ProviderID == ref.ProviderID
		})
		if !already {
			m.crosswalk = append(m.crosswalk, ref)
		}
	}
	return nil
}

func (m *memstore) FuzzyTitleMatch(_ context.Context, title string, threshold float64) (*EditionResource, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *EditionResource
	bestScore := 0.0
	for _, e := range m.editions {
		if score := titleSimilarity(title, e.Title); score >= threshold && score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil, 0, errNotFound
	}
	return clone(best), bestScore, nil
}

func (m *memstore) AppendEnrichmentLog(_ context.Context, l *EnrichmentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs = append(m.logs, l)
	return nil
}

func (m *memstore) Checkpoint(_ context.Context, id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checkpoints[id]
	if !ok {
		return nil, errNotFound
	}
	cloned := *c
	cloned.ProcessedKeys = slices.Clone(c.ProcessedKeys)
	cloned.FailedKeys = slices.Clone(c.FailedKeys)
	return &cloned, nil
}

func (m *memstore) SaveCheckpoint(_ context.Context, id string, c *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cloned := *c
	cloned.ProcessedKeys = slices.Clone(c.ProcessedKeys)
	cloned.FailedKeys = slices.Clone(c.FailedKeys)
	m.checkpoints[id] = &cloned
	return nil
}

func (m *memstore) editionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.editions)
}

func (m *memstore) authorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.authors)
}

func (m *memstore) workCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.works)
}

// stubProvider is a configurable provider covering every capability
// interface. Nil funcs answer errNotFound.
type stubProvider struct {
	name      string
	ptype     providerType
	caps      []Capability
	available bool

	fetch        func(ctx context.Context, isbn ISBN) (*EditionResource, error)
	batch        func(ctx context.Context, isbns []ISBN) (map[ISBN]*EditionResource, error)
	batchLimit   int
	variants     func(ctx context.Context, isbn ISBN) ([]*EditionResource, error)
	bibliography func(ctx context.Context, authorName string, maxPages int) ([]*EditionResource, error)
	generate     func(ctx context.Context, prompt string, count int) ([]GeneratedBook, error)
	crosswalk    func(ctx context.Context, externalID string) (*CrosswalkRef, error)
}

var (
	_ metadataProvider      = (*stubProvider)(nil)
	_ batchMetadataProvider = (*stubProvider)(nil)
	_ variantProvider       = (*stubProvider)(nil)
	_ bibliographyProvider  = (*stubProvider)(nil)
	_ generationProvider    = (*stubProvider)(nil)
	_ crosswalkProvider     = (*stubProvider)(nil)
)

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Type() providerType {
	if s.ptype == "" {
		return providerFree
	}
	return s.ptype
}

func (s *stubProvider) Capabilities() []Capability { return s.caps }

func (s *stubProvider) Available(context.Context) bool { return s.available }

func (s *stubProvider) FetchByISBN(ctx context.Context, isbn ISBN) (*EditionResource, error) {
	if s.fetch == nil {
		return nil, errNotFound
	}
	return s.fetch(ctx, isbn)
}

func (s *stubProvider) FetchBatch(ctx context.Context, isbns []ISBN) (map[ISBN]*EditionResource, error) {
	if s.batch == nil {
		return nil, errNotFound
	}
	return s.batch(ctx, isbns)
}

func (s *stubProvider) BatchLimit() int {
	if s.batchLimit == 0 {
		return 100
	}
	return s.batchLimit
}

func (s *stubProvider) ResolveAuthor(ctx context.Context, externalID string) (*CrosswalkRef, error) {
	if s.crosswalk == nil {
		return nil, errNotFound
	}
	return s.crosswalk(ctx, externalID)
}

func (s *stubProvider) FetchVariants(ctx context.Context, isbn ISBN) ([]*EditionResource, error) {
	if s.variants == nil {
		return nil, errNotFound
	}
	return s.variants(ctx, isbn)
}

func (s *stubProvider) FetchBibliography(ctx context.Context, authorName string, maxPages int) ([]*EditionResource, error) {
	if s.bibliography == nil {
		return nil, errNotFound
	}
	return s.bibliography(ctx, authorName, maxPages)
}

func (s *stubProvider) GenerateBooks(ctx context.Context, prompt string, count int) ([]GeneratedBook, error) {
	if s.generate == nil {
		return nil, errNotFound
	}
	return s.generate(ctx, prompt, count)
}

// stubRegistry builds a registry from stub providers, priority following
// registration order.
func stubRegistry(t interface{ Fatal(...any) }, providers ...Provider) *registry {
	reg := newRegistry()
	for _, p := range providers {
		if err := reg.register(p); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

// published is one recorded publish call.
type published struct {
	topic   string
	payload any
}

// fakePublisher records publishes and optionally fails whole topics.
type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failing  set[string]
}

var _ publisher = (*fakePublisher)(nil)

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failing: newSet[string]()}
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing.has(topic) {
		return errUnavailable
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload})
	return nil
}

func (f *fakePublisher) byTopic(topic string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	payloads := []any{}
	for _, m := range f.messages {
		if m.topic == topic {
			payloads = append(payloads, m.payload)
		}
	}
	return payloads
}

func (f *fakePublisher) failTopic(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[topic] = struct{}{}
}

func (f *fakePublisher) recover(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failing, topic)
}

// recordingNotifier captures webhook events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []WebhookEvent
}

var _ notifier = (*recordingNotifier)(nil)

func (r *recordingNotifier) Notify(_ context.Context, event WebhookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) all() []WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
