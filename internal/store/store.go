package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ragline/ragline/internal/engine"
)

// Store wraps the Postgres backing store. Turns, sessions and the passage
// vector index live here; pgvector provides the cosine distance operator.
type Store struct {
	DB *sql.DB
}

// DefaultEmbeddingDimensions indicates the expected length of embeddings stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Document is one ingested source document.
type Document struct {
	ID        string
	Name      string
	Metadata  map[string]interface{}
	Passages  int
	CreatedAt time.Time
}

// PassageRecord is one pre-chunked passage to index.
type PassageRecord struct {
	ID         string
	DocumentID string
	Page       int
	Content    string
	Embedding  []float32
}

// PassageSearchResult is one vector search hit. Distance is pgvector cosine
// distance; similarity is 1 - distance.
type PassageSearchResult struct {
	PassageID    string
	DocumentID   string
	DocumentName string
	Content      string
	Page         int
	Distance     float64
}

// New constructs the Store from DATABASE_URL or discrete POSTGRES_* vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Ping probes connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Session operations

// SessionExists reports whether a session row is present.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id=$1`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Turn operations

// AppendTurn durably records one completed turn. The session row and the
// per-session sequence number are assigned inside one transaction, so the
// turn becomes visible all at once and in append order.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn engine.Turn) error {
	passagesB, err := json.Marshal(turn.Passages)
	if err != nil {
		return fmt.Errorf("marshal passages: %w", err)
	}
	traceB, err := json.Marshal(turn.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	citationsB, err := json.Marshal(turn.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	suggestionsB, err := json.Marshal(turn.Suggestions)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}

	id := turn.ID
	if id == "" {
		id = uuid.NewString()
	}

	err = s.insertTurn(ctx, sessionID, id, turn, passagesB, traceB, citationsB, suggestionsB)
	// Appends within one process serialize on the caller's session lock. A
	// second replica racing the same session can still collide on
	// UNIQUE(session_id, seq); one retry re-reads the sequence.
	if isUniqueViolation(err) {
		err = s.insertTurn(ctx, sessionID, id, turn, passagesB, traceB, citationsB, suggestionsB)
	}
	return err
}

func (s *Store) insertTurn(ctx context.Context, sessionID, id string, turn engine.Turn, passagesB, traceB, citationsB, suggestionsB []byte) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, sessionID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO turns (
  id, session_id, seq, query, passages, trace, answer, reasoning,
  citations, suggestions, truncated, fallback, tokens_used, cost_estimate, created_at
) VALUES (
  $1, $2,
  (SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = $2),
  $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, NOW())
)`,
		id, sessionID, turn.Query, passagesB, traceB, turn.Answer, turn.Reasoning,
		citationsB, suggestionsB, turn.Truncated, turn.Fallback, turn.TokensUsed, turn.CostEstimate,
		nullTime(turn.CreatedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// RecentTurns returns the trailing window of a session's turns in append
// order. A session never written returns engine.ErrSessionNotFound.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, window int) ([]engine.Turn, error) {
	exists, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, engine.ErrSessionNotFound
	}
	if window <= 0 {
		window = 5
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT id, query, passages, trace, answer, reasoning, citations, suggestions,
       truncated, fallback, tokens_used, cost_estimate, created_at
FROM (
  SELECT * FROM turns WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
) recent
ORDER BY seq ASC`, sessionID, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Turn
	for rows.Next() {
		var (
			t                                           engine.Turn
			passagesB, traceB, citationsB, suggestionsB []byte
		)
		t.SessionID = sessionID
		if err := rows.Scan(&t.ID, &t.Query, &passagesB, &traceB, &t.Answer, &t.Reasoning,
			&citationsB, &suggestionsB, &t.Truncated, &t.Fallback, &t.TokensUsed, &t.CostEstimate, &t.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(passagesB, &t.Passages)
		_ = json.Unmarshal(traceB, &t.Trace)
		_ = json.Unmarshal(citationsB, &t.Citations)
		_ = json.Unmarshal(suggestionsB, &t.Suggestions)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneTurns deletes turns created before the cutoff and any sessions left
// without turns. Returns how many turns were removed.
func (s *Store) PruneTurns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM turns WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	_, err = s.DB.ExecContext(ctx, `DELETE FROM sessions s WHERE NOT EXISTS (SELECT 1 FROM turns t WHERE t.session_id = s.id)`)
	return removed, err
}

// Document and passage operations

// CreateDocument registers a document and returns its id.
func (s *Store) CreateDocument(ctx context.Context, name string, metadata map[string]interface{}) (string, error) {
	metaB, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `INSERT INTO documents (name, metadata) VALUES ($1, $2) RETURNING id`, name, metaB).Scan(&id)
	return id, err
}

// ListDocuments returns all documents with their passage counts.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT d.id, d.name, d.metadata, COUNT(p.id), d.created_at
FROM documents d
LEFT JOIN passages p ON p.document_id = d.id
GROUP BY d.id
ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			d     Document
			metaB []byte
		)
		if err := rows.Scan(&d.ID, &d.Name, &metaB, &d.Passages, &d.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaB) > 0 {
			_ = json.Unmarshal(metaB, &d.Metadata)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PassageIDsByDocument returns the passage ids indexed under a document.
func (s *Store) PassageIDsByDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM passages WHERE document_id=$1`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteDocument removes a document and its passages.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertPassages indexes a batch of pre-chunked, pre-embedded passages.
func (s *Store) InsertPassages(ctx context.Context, passages []PassageRecord) error {
	if len(passages) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO passages (id, document_id, page, content, embedding)
VALUES ($1, $2, $3, $4, $5::vector)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range passages {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		vecLiteral, err := encodeVectorLiteral(p.Embedding)
		if err != nil {
			return fmt.Errorf("passage %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, p.DocumentID, p.Page, p.Content, vecLiteral); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SearchPassages returns the topK closest passages by cosine distance.
// Equal distances order by ascending document id so results are stable
// against an unchanged index. documentIDs narrows the search when non-empty.
func (s *Store) SearchPassages(ctx context.Context, vector []float32, topK int, documentIDs []string) ([]PassageSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 4
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	if documentIDs == nil {
		documentIDs = []string{}
	}

	rows, err := s.DB.QueryContext(ctx, `
SELECT p.id, p.document_id, d.name, p.content, p.page, p.embedding <=> $1::vector AS distance
FROM passages p
JOIN documents d ON d.id = p.document_id
WHERE (cardinality($2::text[]) = 0 OR p.document_id = ANY($2::text[]))
ORDER BY distance, p.document_id
LIMIT $3
`, vecLiteral, pq.Array(documentIDs), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PassageSearchResult
	for rows.Next() {
		var res PassageSearchResult
		if err := rows.Scan(&res.PassageID, &res.DocumentID, &res.DocumentName, &res.Content, &res.Page, &res.Distance); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// AllPassages returns every indexed passage, used to build the lexical index.
func (s *Store) AllPassages(ctx context.Context) ([]PassageSearchResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT p.id, p.document_id, d.name, p.content, p.page
FROM passages p
JOIN documents d ON d.id = p.document_id
ORDER BY p.document_id, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PassageSearchResult
	for rows.Next() {
		var res PassageSearchResult
		if err := rows.Scan(&res.PassageID, &res.DocumentID, &res.DocumentName, &res.Content, &res.Page); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
