package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/quizmail/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		reference_answer TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scores (
		question_id TEXT PRIMARY KEY,
		average REAL NOT NULL,
		times_asked INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		question_id TEXT NOT NULL,
		question_text TEXT NOT NULL,
		student_reply TEXT NOT NULL,
		score INTEGER NOT NULL,
		missing_points TEXT NOT NULL DEFAULT '[]',
		feedback TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS session_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS service_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ReplaceQuestions caches the loaded bank, replacing any previous contents.
// Scores and progress reference questions by content hash, so replacing the
// cache never orphans them.
func (s *Store) ReplaceQuestions(questions []model.Question) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM questions`); err != nil {
		return err
	}
	for _, q := range questions {
		_, err := tx.Exec(
			`INSERT INTO questions (id, text, reference_answer) VALUES (?, ?, ?)`,
			q.ID, q.Text, q.ReferenceAnswer,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListQuestions returns the cached bank.
func (s *Store) ListQuestions() ([]model.Question, error) {
	rows, err := s.db.Query(`SELECT id, text, reference_answer FROM questions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Text, &q.ReferenceAnswer); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by id.
func (s *Store) GetQuestion(id string) (model.Question, error) {
	var q model.Question
	err := s.db.QueryRow(
		`SELECT id, text, reference_answer FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.Text, &q.ReferenceAnswer)
	return q, err
}

// QuestionCount returns the number of cached questions.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// RecordScore folds a new grade into the running average for a question,
// creating the entry on first grade. Scores outside [0,100] are rejected
// and leave the table untouched.
func (s *Store) RecordScore(questionID string, score int) error {
	if score < 0 || score > 100 {
		return &model.ValidationError{Msg: fmt.Sprintf("score %d out of range [0,100]", score)}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var avg float64
	var asked int
	err = tx.QueryRow(
		`SELECT average, times_asked FROM scores WHERE question_id = ?`, questionID,
	).Scan(&avg, &asked)
	switch err {
	case nil:
		avg = (avg*float64(asked) + float64(score)) / float64(asked+1)
		asked++
	case sql.ErrNoRows:
		avg = float64(score)
		asked = 1
	default:
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO scores (question_id, average, times_asked) VALUES (?, ?, ?)
		 ON CONFLICT(question_id) DO UPDATE SET average = ?, times_asked = ?`,
		questionID, avg, asked, avg, asked,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AverageFor returns the running average for a question, or ok=false if the
// question has never been graded.
func (s *Store) AverageFor(questionID string) (float64, bool, error) {
	var avg float64
	err := s.db.QueryRow(
		`SELECT average FROM scores WHERE question_id = ?`, questionID,
	).Scan(&avg)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return avg, true, nil
}

// ListScores returns every score entry keyed by question id.
func (s *Store) ListScores() (map[string]model.ScoreEntry, error) {
	rows, err := s.db.Query(`SELECT question_id, average, times_asked FROM scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	scores := make(map[string]model.ScoreEntry)
	for rows.Next() {
		var e model.ScoreEntry
		if err := rows.Scan(&e.QuestionID, &e.Average, &e.TimesAsked); err != nil {
			return nil, err
		}
		scores[e.QuestionID] = e
	}
	return scores, rows.Err()
}

// AppendProgress inserts a record into the append-only history.
func (s *Store) AppendProgress(rec model.ProgressRecord) (int64, error) {
	missing := rec.MissingPoints
	if missing == nil {
		missing = []string{}
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return 0, fmt.Errorf("encode missing points: %w", err)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := s.db.Exec(
		`INSERT INTO progress (timestamp, question_id, question_text, student_reply, score, missing_points, feedback)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, rec.QuestionID, rec.QuestionText, rec.StudentReply, rec.Score, string(missingJSON), rec.Feedback,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListProgress returns the full history in append order.
func (s *Store) ListProgress() ([]model.ProgressRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, question_id, question_text, student_reply, score, missing_points, feedback
		 FROM progress ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.ProgressRecord
	for rows.Next() {
		var rec model.ProgressRecord
		var missingJSON string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.QuestionID, &rec.QuestionText,
			&rec.StudentReply, &rec.Score, &missingJSON, &rec.Feedback); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(missingJSON), &rec.MissingPoints); err != nil {
			return nil, fmt.Errorf("decode missing points for record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ProgressCount returns the number of history records.
func (s *Store) ProgressCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM progress`).Scan(&count)
	return count, err
}

// LoadSessionState reads the single session state row, returning the empty
// idle state on first run.
func (s *Store) LoadSessionState() (model.SessionState, error) {
	var raw string
	err := s.db.QueryRow(`SELECT state FROM session_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return model.NewSessionState(), nil
	}
	if err != nil {
		return model.SessionState{}, err
	}
	var st model.SessionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return model.SessionState{}, fmt.Errorf("decode session state: %w", err)
	}
	return st, nil
}

// SaveSessionState overwrites the session state row. The row is replaced in
// a single statement, so a crash never leaves a torn state on disk.
func (s *Store) SaveSessionState(st model.SessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO session_state (id, state) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET state = ?`,
		string(raw), string(raw),
	)
	return err
}

// Reset clears the session state and the score table. Progress history is
// deliberately untouched.
func (s *Store) Reset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM session_state`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM scores`); err != nil {
		return err
	}
	return tx.Commit()
}
