package quickquiz

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists documents, chunks, questions, and evaluations in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTables creates the necessary tables if they don't exist.
func (s *Store) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			source_ref TEXT,
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			page_count INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0,
			errors TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			tag TEXT NOT NULL,
			quality REAL NOT NULL,
			embedding TEXT,
			FOREIGN KEY (document_id) REFERENCES documents(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_ids TEXT,
			type TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			stem TEXT NOT NULL,
			options TEXT,
			correct_answer INTEGER NOT NULL,
			answer_text TEXT,
			explanation TEXT,
			bloom_level TEXT,
			quality REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_document ON questions(document_id)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id TEXT PRIMARY KEY,
			question_id TEXT NOT NULL,
			clarity REAL NOT NULL,
			accuracy REAL NOT NULL,
			difficulty_fit REAL NOT NULL,
			relevance REAL NOT NULL,
			aggregate REAL NOT NULL,
			verdict TEXT NOT NULL,
			feedback TEXT,
			suggested_fix TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (question_id) REFERENCES questions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_question ON evaluations(question_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute %s: %w", query, err)
		}
	}
	return nil
}

// CreateDocument inserts a new document row.
func (s *Store) CreateDocument(doc *Document) error {
	errsJSON, err := OptionsToJSON(doc.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO documents (id, title, source_kind, source_ref, content_hash, status, chunk_count, page_count, word_count, errors, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		doc.ID, doc.Title, string(doc.SourceKind), doc.SourceRef, doc.ContentHash, string(doc.Status), doc.ChunkCount, doc.PageCount, doc.WordCount, errsJSON, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// UpdateDocument rewrites a document's mutable fields.
func (s *Store) UpdateDocument(doc *Document) error {
	errsJSON, err := OptionsToJSON(doc.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"UPDATE documents SET title = ?, status = ?, chunk_count = ?, page_count = ?, word_count = ?, errors = ?, updated_at = ? WHERE id = ?",
		doc.Title, string(doc.Status), doc.ChunkCount, doc.PageCount, doc.WordCount, errsJSON, doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow(
		"SELECT id, title, source_kind, source_ref, content_hash, status, chunk_count, page_count, word_count, errors, created_at, updated_at FROM documents WHERE id = ?",
		id,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// FindDocumentByHash returns the best document with the given content
// hash, preferring completed ones, or nil when none exists.
func (s *Store) FindDocumentByHash(hash string) (*Document, error) {
	row := s.db.QueryRow(
		`SELECT id, title, source_kind, source_ref, content_hash, status, chunk_count, page_count, word_count, errors, created_at, updated_at
		 FROM documents WHERE content_hash = ?
		 ORDER BY CASE WHEN status = 'completed' THEN 0 ELSE 1 END, created_at DESC
		 LIMIT 1`,
		hash,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}
	return doc, nil
}

// ListDocuments retrieves documents newest first.
func (s *Store) ListDocuments(limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(
		"SELECT id, title, source_kind, source_ref, content_hash, status, chunk_count, page_count, word_count, errors, created_at, updated_at FROM documents ORDER BY created_at DESC LIMIT %d OFFSET %d",
		limit, offset,
	)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// SaveChunks replaces a document's chunks in one transaction.
func (s *Store) SaveChunks(chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	documentID := chunks[0].DocumentID

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO chunks (id, document_id, ordinal, text, token_count, tag, quality, embedding) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		embJSON, err := EmbeddingToJSON(c.Embedding)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(c.ID, c.DocumentID, c.Ordinal, c.Text, c.TokenCount, string(c.Tag), c.Quality, embJSON); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// GetChunks retrieves a document's chunks in ordinal order.
func (s *Store) GetChunks(documentID string) ([]*Chunk, error) {
	rows, err := s.db.Query(
		"SELECT id, document_id, ordinal, text, token_count, tag, quality, embedding FROM chunks WHERE document_id = ? ORDER BY ordinal",
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.TokenCount, (*string)(&c.Tag), &c.Quality, &embJSON); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if c.Embedding, err = JSONToEmbedding(embJSON); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// SaveQuestion inserts or overwrites a question. Revisions keep their ID,
// so a replace updates the row in place.
func (s *Store) SaveQuestion(q *Question) error {
	optionsJSON, err := OptionsToJSON(q.Options)
	if err != nil {
		return err
	}
	chunkIDsJSON, err := OptionsToJSON(q.ChunkIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO questions (id, document_id, chunk_ids, type, difficulty, stem, options, correct_answer, answer_text, explanation, bloom_level, quality, status, revision, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		q.ID, q.DocumentID, chunkIDsJSON, string(q.Type), string(q.Difficulty), q.Stem, optionsJSON, q.CorrectAnswer, q.AnswerText, q.Explanation, string(q.BloomLevel), q.Quality, string(q.Status), q.Revision, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save question: %w", err)
	}
	return nil
}

// ListQuestions retrieves a document's questions, optionally filtered by
// status. Pass an empty status for all.
func (s *Store) ListQuestions(documentID string, status QuestionStatus) ([]*Question, error) {
	query := "SELECT id, document_id, chunk_ids, type, difficulty, stem, options, correct_answer, answer_text, explanation, bloom_level, quality, status, revision, created_at FROM questions WHERE document_id = ?"
	args := []interface{}{documentID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var questions []*Question
	for rows.Next() {
		var q Question
		var optionsJSON, chunkIDsJSON string
		if err := rows.Scan(&q.ID, &q.DocumentID, &chunkIDsJSON, (*string)(&q.Type), (*string)(&q.Difficulty), &q.Stem, &optionsJSON, &q.CorrectAnswer, &q.AnswerText, &q.Explanation, (*string)(&q.BloomLevel), &q.Quality, (*string)(&q.Status), &q.Revision, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		if q.Options, err = JSONToOptions(optionsJSON); err != nil {
			return nil, err
		}
		if q.ChunkIDs, err = JSONToOptions(chunkIDsJSON); err != nil {
			return nil, err
		}
		questions = append(questions, &q)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating questions: %w", err)
	}
	return questions, nil
}

// SaveEvaluation inserts one evaluation row.
func (s *Store) SaveEvaluation(ev *Evaluation) error {
	_, err := s.db.Exec(
		"INSERT INTO evaluations (id, question_id, clarity, accuracy, difficulty_fit, relevance, aggregate, verdict, feedback, suggested_fix, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ev.ID, ev.QuestionID, ev.Clarity, ev.Accuracy, ev.DifficultyFit, ev.Relevance, ev.Aggregate, string(ev.Verdict), ev.Feedback, ev.SuggestedFix, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save evaluation: %w", err)
	}
	return nil
}

// GetEvaluations retrieves a question's evaluations oldest first.
func (s *Store) GetEvaluations(questionID string) ([]*Evaluation, error) {
	rows, err := s.db.Query(
		"SELECT id, question_id, clarity, accuracy, difficulty_fit, relevance, aggregate, verdict, feedback, suggested_fix, created_at FROM evaluations WHERE question_id = ? ORDER BY created_at, id",
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*Evaluation
	for rows.Next() {
		var ev Evaluation
		if err := rows.Scan(&ev.ID, &ev.QuestionID, &ev.Clarity, &ev.Accuracy, &ev.DifficultyFit, &ev.Relevance, &ev.Aggregate, (*string)(&ev.Verdict), &ev.Feedback, &ev.SuggestedFix, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		evals = append(evals, &ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}
	return evals, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scans.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var errsJSON string
	err := row.Scan(&doc.ID, &doc.Title, (*string)(&doc.SourceKind), &doc.SourceRef, &doc.ContentHash, (*string)(&doc.Status), &doc.ChunkCount, &doc.PageCount, &doc.WordCount, &errsJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if doc.Errors, err = JSONToOptions(errsJSON); err != nil {
		return nil, err
	}
	return &doc, nil
}

// OptionsToJSON converts a string slice to its JSON text form.
func OptionsToJSON(options []string) (string, error) {
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to marshal options: %w", err)
	}
	return string(data), nil
}

// JSONToOptions converts JSON text back to a string slice.
func JSONToOptions(optionsJSON string) ([]string, error) {
	if optionsJSON == "" {
		return nil, nil
	}
	var options []string
	if err := json.Unmarshal([]byte(optionsJSON), &options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return options, nil
}

// EmbeddingToJSON converts an embedding vector to its JSON text form.
func EmbeddingToJSON(embedding []float32) (string, error) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return string(data), nil
}

// JSONToEmbedding converts JSON text back to an embedding vector.
func JSONToEmbedding(embeddingJSON string) ([]float32, error) {
	if embeddingJSON == "" {
		return nil, nil
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(embeddingJSON), &embedding); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, nil
}
