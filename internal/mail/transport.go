// Package mail defines the email transport the quiz cycle talks to, the
// Gmail implementation of it, and the reply-hygiene rules that decide which
// inbound messages count as student answers.
package mail

import (
	"context"
	"time"

	"github.com/pavelanni/quizmail/internal/model"
)

// SendResult identifies a sent message and the conversation it belongs to.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// Transport sends quiz emails and polls a conversation for new messages.
// An empty threadID on Send starts a new conversation. Poll returns
// messages received after since, oldest first.
type Transport interface {
	Send(ctx context.Context, subject, body, threadID string) (SendResult, error)
	Poll(ctx context.Context, threadID string, since time.Time) ([]model.InboundMessage, error)
}

// minReplyDelay is how soon after the question a message may arrive and
// still count as a human reply. Anything quicker is assumed to be an
// automated response (delivery receipt, out-of-office).
const minReplyDelay = 10 * time.Second

// ReplyFilter decides which polled messages qualify as student answers.
type ReplyFilter struct {
	TargetEmail  string
	QuestionText string
	AskedAt      time.Time
	SentIDs      []string
}

// FirstQualifyingReply returns the cleaned text of the earliest message
// that passes every hygiene rule, or ok=false if none does. Later replies
// in the same batch are deliberately ignored; one reply is graded per
// question.
func (f ReplyFilter) FirstQualifyingReply(messages []model.InboundMessage) (string, bool) {
	sent := make(map[string]bool, len(f.SentIDs))
	for _, id := range f.SentIDs {
		sent[id] = true
	}

	for _, msg := range messages {
		if sent[msg.ID] {
			continue
		}
		if !msg.ReceivedAt.After(f.AskedAt.Add(minReplyDelay)) {
			continue
		}
		if !senderMatches(msg.Sender, f.TargetEmail) {
			continue
		}
		if LooksLikeFeedback(msg.Body) {
			continue
		}
		reply := ExtractReply(msg.Body)
		if len(reply) < 3 {
			continue
		}
		if IsQuoteOfQuestion(reply, f.QuestionText) {
			continue
		}
		return reply, true
	}
	return "", false
}
