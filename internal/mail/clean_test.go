package mail

import (
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/quizmail/internal/model"
)

func TestExtractReply(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "plain reply",
			body: "Paris is the capital.",
			want: "Paris is the capital.",
		},
		{
			name: "quoted lines stripped",
			body: "Paris is the capital.\n\n> Capital of France?\n> Please reply.",
			want: "Paris is the capital.",
		},
		{
			name: "wrote trailer stripped",
			body: "Paris.\n\nOn Mon, Mar 2, 2026 at 9:00 AM quiz wrote:\n> Capital of France?",
			want: "Paris.",
		},
		{
			name: "blank runs collapsed",
			body: "First line.\n\n\n\nSecond line.",
			want: "First line.\nSecond line.",
		},
		{
			name: "only quotes",
			body: "> Capital of France?\n> Please reply.",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractReply(tt.body); got != tt.want {
				t.Errorf("ExtractReply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLooksLikeFeedback(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"feedback email", "Your score: 80/100\n\nFeedback: good work", true},
		{"missing points header", "...\nMissing points:\n1. x", true},
		{"russian feedback", "Ваша оценка: 90/100", true},
		{"student answer", "The capital of France is Paris.", false},
		{"score mentioned deep in body", strings.Repeat("word ", 60) + "your score:", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LooksLikeFeedback(tt.body); got != tt.want {
				t.Errorf("LooksLikeFeedback() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsQuoteOfQuestion(t *testing.T) {
	question := "What is the capital of France and what river runs through it?"

	tests := []struct {
		name  string
		reply string
		want  bool
	}{
		{"verbatim quote", question, true},
		{"real answer", "Paris, and the Seine runs through it.", false},
		{"short answer", "Paris", false},
		{"empty question", "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := question
			if tt.name == "empty question" {
				q = ""
			}
			if got := IsQuoteOfQuestion(tt.reply, q); got != tt.want {
				t.Errorf("IsQuoteOfQuestion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFirstQualifyingReply(t *testing.T) {
	askedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	filter := ReplyFilter{
		TargetEmail:  "student@example.com",
		QuestionText: "Capital of France?",
		AskedAt:      askedAt,
		SentIDs:      []string{"sent-1"},
	}
	student := "Student <student@example.com>"

	msg := func(id, sender, body string, delay time.Duration) model.InboundMessage {
		return model.InboundMessage{ID: id, Sender: sender, Body: body, ReceivedAt: askedAt.Add(delay)}
	}

	tests := []struct {
		name     string
		messages []model.InboundMessage
		want     string
		wantOK   bool
	}{
		{
			name:     "qualifying reply",
			messages: []model.InboundMessage{msg("m1", student, "Paris", time.Minute)},
			want:     "Paris", wantOK: true,
		},
		{
			name:     "earliest of several wins",
			messages: []model.InboundMessage{
				msg("m1", student, "Paris", time.Minute),
				msg("m2", student, "Actually, Lyon", 2*time.Minute),
			},
			want: "Paris", wantOK: true,
		},
		{
			name:     "own sent message skipped",
			messages: []model.InboundMessage{msg("sent-1", student, "Capital of France?", time.Minute)},
			wantOK:   false,
		},
		{
			name:     "too soon is automated",
			messages: []model.InboundMessage{msg("m1", student, "Paris", 5*time.Second)},
			wantOK:   false,
		},
		{
			name:     "wrong sender",
			messages: []model.InboundMessage{msg("m1", "noreply@mailer.example.org", "Paris", time.Minute)},
			wantOK:   false,
		},
		{
			name:     "feedback echo",
			messages: []model.InboundMessage{msg("m1", student, "Your score: 80/100", time.Minute)},
			wantOK:   false,
		},
		{
			name:     "too short after cleaning",
			messages: []model.InboundMessage{msg("m1", student, "> Capital of France?\nok", time.Minute)},
			wantOK:   false,
		},
		{
			name:     "quote of question",
			messages: []model.InboundMessage{msg("m1", student, "Capital of France?", time.Minute)},
			wantOK:   false,
		},
		{
			name:     "skips junk then accepts",
			messages: []model.InboundMessage{
				msg("m1", "mailer-daemon@example.org", "delivered", time.Minute),
				msg("m2", student, "Paris, of course", 2*time.Minute),
			},
			want: "Paris, of course", wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := filter.FirstQualifyingReply(tt.messages)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
		})
	}
}
