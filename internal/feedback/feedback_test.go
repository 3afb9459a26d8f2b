package feedback

import (
	"strings"
	"testing"

	"github.com/pavelanni/quizmail/internal/i18n"
	"github.com/pavelanni/quizmail/internal/model"
)

func TestFormat(t *testing.T) {
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	loc := i18n.NewLocalizer("en")

	t.Run("with missing points", func(t *testing.T) {
		body := Format(loc, model.GradeResult{
			Score:         60,
			Feedback:      "Partially correct.",
			MissingPoints: []string{"rotation curves", "gravitational lensing"},
		}, "Dark matter is inferred from gravity.")

		for _, want := range []string{
			"Your score: 60/100",
			"Feedback: Partially correct.",
			"Missing points:",
			"1. rotation curves",
			"2. gravitational lensing",
			"Reference answer:",
			"Dark matter is inferred from gravity.",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
	})

	t.Run("perfect answer", func(t *testing.T) {
		body := Format(loc, model.GradeResult{Score: 100, Feedback: "Correct"}, "Paris")
		if !strings.Contains(body, "You covered all the key points") {
			t.Errorf("expected congratulation, got:\n%s", body)
		}
		if strings.Contains(body, "Missing points:") {
			t.Error("should not list missing points for a perfect answer")
		}
	})

	t.Run("no reference answer", func(t *testing.T) {
		body := Format(loc, model.GradeResult{Score: 50, Feedback: "ok"}, "")
		if strings.Contains(body, "Reference answer:") {
			t.Error("should omit reference answer section when empty")
		}
	})
}

func TestFormatRussian(t *testing.T) {
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	loc := i18n.NewLocalizer("ru")

	body := Format(loc, model.GradeResult{Score: 90, Feedback: "Хорошо"}, "Париж")
	if !strings.Contains(body, "Ваша оценка: 90/100") {
		t.Errorf("expected Russian score line, got:\n%s", body)
	}
}
