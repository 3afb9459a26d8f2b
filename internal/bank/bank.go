// Package bank loads the immutable question bank from a CSV file.
//
// The file needs a question column and an answer column; both singular and
// plural header spellings are accepted. Question ids are content hashes, so
// reordering or extending the file never detaches existing scores.
package bank

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pavelanni/quizmail/internal/model"
)

// QuestionID derives the stable id for a question text.
func QuestionID(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:8])
}

// Load reads the question bank from a CSV file.
func Load(path string) ([]model.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &model.ConfigError{Msg: "questions file not found", Err: err}
	}
	defer f.Close()
	questions, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return questions, nil
}

// Parse reads questions from CSV data.
func Parse(r io.Reader) ([]model.Question, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &model.ConfigError{Msg: "questions file is empty"}
	}
	if err != nil {
		return nil, &model.ConfigError{Msg: "read CSV header", Err: err}
	}

	questionCol, answerCol := -1, -1
	for i, name := range header {
		switch normalizeHeader(name) {
		case "question":
			questionCol = i
		case "answer":
			answerCol = i
		}
	}
	if questionCol < 0 || answerCol < 0 {
		return nil, &model.ConfigError{
			Msg: fmt.Sprintf("CSV missing question/answer columns, found %v", header),
		}
	}

	seen := make(map[string]bool)
	var questions []model.Question
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &model.ConfigError{Msg: "read CSV row", Err: err}
		}
		if questionCol >= len(row) || answerCol >= len(row) {
			continue
		}
		text := strings.TrimSpace(row[questionCol])
		answer := strings.TrimSpace(row[answerCol])
		if text == "" || answer == "" {
			continue
		}
		id := QuestionID(text)
		if seen[id] {
			slog.Warn("duplicate question skipped", "id", id, "text", truncate(text, 60))
			continue
		}
		seen[id] = true
		questions = append(questions, model.Question{
			ID:              id,
			Text:            text,
			ReferenceAnswer: answer,
		})
	}

	if len(questions) == 0 {
		return nil, &model.ConfigError{Msg: "question bank is empty"}
	}
	return questions, nil
}

// normalizeHeader maps header spellings onto the canonical column names:
// "Questions" and "questions" both mean "question".
func normalizeHeader(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, "s")
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
