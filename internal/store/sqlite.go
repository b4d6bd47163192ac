package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxy1402/keep-me-alive/internal/domain"
)

// SQLiteStore keeps the document in a single-row local table. It backs the
// explicit `-store local` mode for development and no-cloud deployments,
// behind the same whole-document contract as the gist backend.
type SQLiteStore struct{ db *sql.DB }

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS document (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  content BLOB NOT NULL,
  revision TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Load(ctx context.Context) (domain.Document, Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT content, revision FROM document WHERE id=1`)
	var content []byte
	var revision string
	err := row.Scan(&content, &revision)
	if err == sql.ErrNoRows {
		// First boot: seed the default document.
		doc := domain.DefaultDocument()
		v, serr := s.Save(ctx, doc)
		if serr != nil {
			return domain.Document{}, "", serr
		}
		return doc, v, nil
	}
	if err != nil {
		return domain.Document{}, "", fmt.Errorf("%w: load document: %v", ErrUnreachable, err)
	}
	doc, err := domain.DecodeDocument(content)
	if err != nil {
		return domain.Document{}, "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return doc, Version(revision), nil
}

func (s *SQLiteStore) Save(ctx context.Context, doc domain.Document) (Version, error) {
	data, err := domain.EncodeDocument(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	v := ContentVersion(data)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO document (id, content, revision, updated_at) VALUES (1, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET content=excluded.content, revision=excluded.revision, updated_at=CURRENT_TIMESTAMP
`, data, string(v))
	if err != nil {
		return "", fmt.Errorf("%w: save document: %v", ErrUnreachable, err)
	}
	return v, nil
}
