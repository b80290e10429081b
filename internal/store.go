package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// store is everything the engine, dedup service, and backfill need from
// persistent storage. Tests substitute an in-memory fake.
type store interface {
	// EditionByISBN matches against the related_isbns set, not just the
	// primary ISBN column.
	EditionByISBN(ctx context.Context, isbn string) (*EditionResource, error)
	InsertEdition(ctx context.Context, e *EditionResource) (int64, error)
	UpdateEdition(ctx context.Context, e *EditionResource) error
	TouchEdition(ctx context.Context, id int64) error
	ISBNsExisting(ctx context.Context, isbns []string) (set[string], error)

	// StaleEditions pages through editions still missing a cover or
	// description, for the backfill cursor. Keyset pagination on id.
	StaleEditions(ctx context.Context, afterID int64, limit int) ([]*EditionResource, error)

	// AuthorByNormalizedName returns the canonical author for a normalized
	// name: greatest work count, ties broken by the lowest key. errNotFound
	// when no row matches.
	AuthorByNormalizedName(ctx context.Context, normalized string) (*AuthorResource, error)
	InsertAuthor(ctx context.Context, a *AuthorResource) (int64, error)

	// CanonicalAuthor resolves a normalized name to its canonical row plus
	// every distinct spelling credited to it.
	CanonicalAuthor(ctx context.Context, normalized string) (*AuthorResource, []string, error)

	// NormalizeAuthors re-derives normalized_name for up to batchSize authors
	// with key > afterKey, in key order. lastKey == afterKey signals the end
	// of the table.
	NormalizeAuthors(ctx context.Context, afterKey int64, batchSize int) (touched, lastKey int64, err error)

	WorkByNormalizedTitle(ctx context.Context, normalized string) (*WorkResource, error)
	InsertWork(ctx context.Context, w *WorkResource) (int64, error)

	LinkEditionAuthor(ctx context.Context, editionID, authorKey int64) error
	LinkWorkEdition(ctx context.Context, workKey, editionID int64) error
	LinkWorkAuthor(ctx context.Context, workKey, authorKey int64) error

	// InsertCrosswalk is conflict-safe: rows that already exist are ignored.
	InsertCrosswalk(ctx context.Context, refs ...CrosswalkRef) error

	// FuzzyTitleMatch returns the best trigram match at or above the
	// threshold, or errNotFound.
	FuzzyTitleMatch(ctx context.Context, title string, threshold float64) (*EditionResource, float64, error)

	AppendEnrichmentLog(ctx context.Context, l *EnrichmentLog) error

	Checkpoint(ctx context.Context, id string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, id string, c *Checkpoint) error
}

// pgstore is the production store.
type pgstore struct {
	db *pgxpool.Pool
}

var _ store = (*pgstore)(nil)

// NewStore initializes the schema and returns the production store.
func NewStore(ctx context.Context, db *pgxpool.Pool) (*pgstore, error) {
	if err := initSchema(ctx, db); err != nil {
		return nil, err
	}
	return &pgstore{db: db}, nil
}

// isUniqueViolation reports whether an insert hit an existing unique key.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

const editionColumns = `id, isbn, COALESCE(work_key, 0), title, authors, COALESCE(publisher, ''),
	COALESCE(publish_year, 0), COALESCE(publish_month, 0), COALESCE(publish_day, 0),
	COALESCE(pages, 0), COALESCE(language, ''), COALESCE(cover_url, ''), COALESCE(description, ''),
	subjects, related_isbns, COALESCE(external_id, ''), COALESCE(source_provider, '')`

func scanEdition(row pgx.Row) (*EditionResource, error) {
	var e EditionResource
	var authors []byte
	err := row.Scan(&e.ID, &e.ISBN, &e.WorkKey, &e.Title, &authors, &e.Publisher,
		&e.PublishYear, &e.PublishMonth, &e.PublishDay,
		&e.Pages, &e.Language, &e.CoverURL, &e.Description,
		&e.Subjects, &e.RelatedISBNs, &e.ExternalID, &e.SourceProvider)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning edition: %w", err)
	}
	if err := sonic.ConfigStd.Unmarshal(authors, &e.Authors); err != nil {
		return nil, fmt.Errorf("unmarshaling authors: %w", err)
	}
	return &e, nil
}

func (s *pgstore) EditionByISBN(ctx context.Context, isbn string) (*EditionResource, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+editionColumns+` FROM editions WHERE isbn = $1 OR related_isbns @> ARRAY[$1] LIMIT 1`, isbn)
	return scanEdition(row)
}

func (s *pgstore) InsertEdition(ctx context.Context, e *EditionResource) (int64, error) {
	authors, err := sonic.ConfigStd.Marshal(e.Authors)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO editions (isbn, work_key, title, authors, publisher, publish_year, publish_month,
			publish_day, pages, language, cover_url, description, subjects, related_isbns,
			external_id, source_provider)
		VALUES ($1, NULLIF($2, 0), $3, $4, NULLIF($5, ''), NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, 0),
			NULLIF($9, 0), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13, $14,
			NULLIF($15, ''), NULLIF($16, ''))
		RETURNING id`,
		e.ISBN, e.WorkKey, e.Title, authors, e.Publisher, e.PublishYear, e.PublishMonth, e.PublishDay,
		e.Pages, e.Language, e.CoverURL, e.Description, e.Subjects, e.RelatedISBNs,
		e.ExternalID, e.SourceProvider).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errConflict
	}
	if err != nil {
		return 0, fmt.Errorf("inserting edition: %w", err)
	}
	return id, nil
}

// UpdateEdition writes the merged edition back. COALESCE keeps the rule that
// a null never overwrites a non-null.
func (s *pgstore) UpdateEdition(ctx context.Context, e *EditionResource) error {
	authors, err := sonic.ConfigStd.Marshal(e.Authors)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE editions SET
			work_key        = COALESCE(NULLIF($2, 0), work_key),
			title           = COALESCE(NULLIF($3, ''), title),
			authors         = CASE WHEN $4::jsonb = '[]' THEN authors ELSE $4::jsonb END,
			publisher       = COALESCE(NULLIF($5, ''), publisher),
			publish_year    = COALESCE(NULLIF($6, 0), publish_year),
			publish_month   = COALESCE(NULLIF($7, 0), publish_month),
			publish_day     = COALESCE(NULLIF($8, 0), publish_day),
			pages           = COALESCE(NULLIF($9, 0), pages),
			language        = COALESCE(NULLIF($10, ''), language),
			cover_url       = COALESCE(NULLIF($11, ''), cover_url),
			description     = COALESCE(NULLIF($12, ''), description),
			subjects        = (SELECT ARRAY(SELECT DISTINCT unnest(subjects || $13::text[]) ORDER BY 1)),
			related_isbns   = (SELECT ARRAY(SELECT DISTINCT unnest(related_isbns || $14::text[]) ORDER BY 1)),
			external_id     = COALESCE(NULLIF($15, ''), external_id),
			source_provider = COALESCE(NULLIF($16, ''), source_provider),
			updated_at      = now()
		WHERE id = $1`,
		e.ID, e.WorkKey, e.Title, authors, e.Publisher, e.PublishYear, e.PublishMonth, e.PublishDay,
		e.Pages, e.Language, e.CoverURL, e.Description, e.Subjects, e.RelatedISBNs,
		e.ExternalID, e.SourceProvider)
	if err != nil {
		return fmt.Errorf("updating edition: %w", err)
	}
	return nil
}

// TouchEdition refreshes updated_at without changing anything else. Used when
// a re-enrichment converged on identical state.
func (s *pgstore) TouchEdition(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE editions SET updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *pgstore) ISBNsExisting(ctx context.Context, isbns []string) (set[string], error) {
	if len(isbns) == 0 {
		return newSet[string](), nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT candidate FROM unnest($1::text[]) AS candidate
		WHERE EXISTS (
			SELECT 1 FROM editions WHERE isbn = candidate OR related_isbns @> ARRAY[candidate]
		)`, isbns)
	if err != nil {
		return nil, fmt.Errorf("checking isbns: %w", err)
	}
	defer rows.Close()

	existing := newSet[string]()
	for rows.Next() {
		var isbn string
		if err := rows.Scan(&isbn); err != nil {
			return nil, err
		}
		existing[isbn] = struct{}{}
	}
	return existing, rows.Err()
}

func (s *pgstore) StaleEditions(ctx context.Context, afterID int64, limit int) ([]*EditionResource, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+editionColumns+` FROM editions
		WHERE id > $1 AND (cover_url IS NULL OR description IS NULL)
		ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning stale editions: %w", err)
	}
	defer rows.Close()

	editions := []*EditionResource{}
	for rows.Next() {
		e, err := scanEdition(rows)
		if err != nil {
			return nil, err
		}
		editions = append(editions, e)
	}
	return editions, rows.Err()
}

func (s *pgstore) AuthorByNormalizedName(ctx context.Context, normalized string) (*AuthorResource, error) {
	var a AuthorResource
	err := s.db.QueryRow(ctx, `
		SELECT key, name, normalized_name, COALESCE(qid, ''), work_count
		FROM authors WHERE normalized_name = $1
		ORDER BY work_count DESC, key ASC LIMIT 1`, normalized).
		Scan(&a.Key, &a.Name, &a.NormalizedName, &a.QID, &a.WorkCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up author: %w", err)
	}
	return &a, nil
}

// InsertAuthor derives normalized_name from the raw name; the two are never
// written independently.
func (s *pgstore) InsertAuthor(ctx context.Context, a *AuthorResource) (int64, error) {
	var key int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO authors (name, normalized_name, qid, work_count)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING key`,
		a.Name, NormalizeAuthorName(a.Name), a.QID, a.WorkCount).Scan(&key)
	if isUniqueViolation(err) {
		return 0, errConflict
	}
	if err != nil {
		return 0, fmt.Errorf("inserting author: %w", err)
	}
	return key, nil
}

// CanonicalAuthor reads the canonical_authors view for the representative row
// and collects the variant spellings that normalize onto it.
func (s *pgstore) CanonicalAuthor(ctx context.Context, normalized string) (*AuthorResource, []string, error) {
	var a AuthorResource
	err := s.db.QueryRow(ctx, `
		SELECT key, name, normalized_name, COALESCE(qid, ''), work_count
		FROM canonical_authors WHERE normalized_name = $1`, normalized).
		Scan(&a.Key, &a.Name, &a.NormalizedName, &a.QID, &a.WorkCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, errNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up canonical author: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT name FROM authors WHERE normalized_name = $1 ORDER BY name`, normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("listing author spellings: %w", err)
	}
	defer rows.Close()

	variants := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, nil, err
		}
		variants = append(variants, name)
	}
	return &a, variants, rows.Err()
}

func (s *pgstore) WorkByNormalizedTitle(ctx context.Context, normalized string) (*WorkResource, error) {
	var w WorkResource
	err := s.db.QueryRow(ctx,
		`SELECT key, title, normalized_title FROM works WHERE normalized_title = $1 ORDER BY key ASC LIMIT 1`,
		normalized).Scan(&w.Key, &w.Title, &w.NormalizedTitle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up work: %w", err)
	}
	return &w, nil
}

func (s *pgstore) InsertWork(ctx context.Context, w *WorkResource) (int64, error) {
	var key int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO works (title, normalized_title) VALUES ($1, $2) RETURNING key`,
		w.Title, NormalizeTitle(w.Title)).Scan(&key)
	if isUniqueViolation(err) {
		return 0, errConflict
	}
	if err != nil {
		return 0, fmt.Errorf("inserting work: %w", err)
	}
	return key, nil
}

func (s *pgstore) LinkEditionAuthor(ctx context.Context, editionID, authorKey int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO edition_authors (edition_id, author_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		editionID, authorKey)
	return err
}

func (s *pgstore) LinkWorkEdition(ctx context.Context, workKey, editionID int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO work_editions (work_key, edition_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		workKey, editionID)
	return err
}

func (s *pgstore) LinkWorkAuthor(ctx context.Context, workKey, authorKey int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO work_authors (work_key, author_key) VALUES ($1, $2) ON CONFLICT DO NOTHING;`,
		workKey, authorKey)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE authors SET work_count = (SELECT count(*) FROM work_authors WHERE author_key = $1)
		WHERE key = $1`, authorKey)
	return err
}

func (s *pgstore) InsertCrosswalk(ctx context.Context, refs ...CrosswalkRef) error {
	for _, ref := range refs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO external_ids (entity_type, provider, provider_id, entity_key, confidence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (entity_type, provider, provider_id) DO NOTHING`,
			ref.EntityType, ref.Provider, ref.ProviderID, ref.EntityKey, ref.Confidence)
		if err != nil {
			return fmt.Errorf("inserting crosswalk ref: %w", err)
		}
	}
	return nil
}

func (s *pgstore) FuzzyTitleMatch(ctx context.Context, title string, threshold float64) (*EditionResource, float64, error) {
	var score float64
	row := s.db.QueryRow(ctx, `
		SELECT `+editionColumns+`, similarity(title, $1) AS score
		FROM editions
		WHERE similarity(title, $1) >= $2
		ORDER BY score DESC LIMIT 1`, title, threshold)

	var e EditionResource
	var authors []byte
	err := row.Scan(&e.ID, &e.ISBN, &e.WorkKey, &e.Title, &authors, &e.Publisher,
		&e.PublishYear, &e.PublishMonth, &e.PublishDay,
		&e.Pages, &e.Language, &e.CoverURL, &e.Description,
		&e.Subjects, &e.RelatedISBNs, &e.ExternalID, &e.SourceProvider, &score)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, errNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("fuzzy title match: %w", err)
	}
	_ = sonic.ConfigStd.Unmarshal(authors, &e.Authors)
	return &e, score, nil
}

func (s *pgstore) AppendEnrichmentLog(ctx context.Context, l *EnrichmentLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO enrichment_log (isbn, providers, outcome, duration_ms, queued, request_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		l.ISBN, l.Providers, l.Outcome, l.Duration.Milliseconds(), l.Queued, l.RequestID, l.OccurredAt)
	return err
}

func (s *pgstore) Checkpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT checkpoint FROM backfill_checkpoints WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	var c Checkpoint
	if err := sonic.ConfigStd.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return &c, nil
}

func (s *pgstore) SaveCheckpoint(ctx context.Context, id string, c *Checkpoint) error {
	c.LastUpdated = time.Now().UTC()
	raw, err := sonic.ConfigStd.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO backfill_checkpoints (id, checkpoint, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET checkpoint = EXCLUDED.checkpoint, updated_at = now()`,
		id, raw)
	return err
}

// NormalizeAuthors re-derives normalized_name for the batch of authors with
// key > afterKey, in key order. Keyset pagination over every row, not just
// the NULL ones: a normalization rule change leaves stale non-NULL values
// behind, and those need repairing too. Rows whose stored value already
// matches are skipped by the IS DISTINCT FROM guard.
func (s *pgstore) NormalizeAuthors(ctx context.Context, afterKey int64, batchSize int) (touched, lastKey int64, err error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, name FROM authors
		WHERE key > $1
		ORDER BY key ASC LIMIT $2`, afterKey, batchSize)
	if err != nil {
		return 0, afterKey, fmt.Errorf("selecting authors to normalize: %w", err)
	}
	defer rows.Close()

	type pending struct {
		key  int64
		name string
	}
	batch := []pending{}
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.key, &p.name); err != nil {
			return 0, afterKey, err
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		return 0, afterKey, err
	}

	lastKey = afterKey
	for _, p := range batch {
		tag, err := s.db.Exec(ctx, `
			UPDATE authors SET normalized_name = $2, updated_at = now()
			WHERE key = $1 AND normalized_name IS DISTINCT FROM $2`,
			p.key, NormalizeAuthorName(p.name))
		if err != nil {
			return touched, lastKey, fmt.Errorf("normalizing author %d: %w", p.key, err)
		}
		touched += tag.RowsAffected()
		lastKey = p.key
	}
	return touched, lastKey, nil
}
