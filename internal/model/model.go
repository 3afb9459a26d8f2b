package model

import "time"

// Phase represents where the quiz cycle currently is.
type Phase string

const (
	// PhaseIdle means no question is outstanding; the next tick may select and send.
	PhaseIdle Phase = "idle"
	// PhaseSent means a question has been delivered and a reply is awaited.
	PhaseSent Phase = "sent"
	// PhaseGrading means a reply has been observed and grading is in flight.
	PhaseGrading Phase = "grading"
)

// RecentWindow is how many recently asked question ids are excluded from
// re-selection.
const RecentWindow = 10

// SentIDWindow bounds the list of service-sent message ids kept to tell our
// own messages apart from student replies.
const SentIDWindow = 10

// Question is a single bank entry. Immutable after load. ID is a content
// hash of the question text, so scores stay attached when the CSV file is
// reordered or extended.
type Question struct {
	ID              string `json:"id"`
	Text            string `json:"text"`
	ReferenceAnswer string `json:"reference_answer"`
}

// ScoreEntry is the running grade average for one question.
type ScoreEntry struct {
	QuestionID string  `json:"question_id"`
	Average    float64 `json:"average"`
	TimesAsked int     `json:"times_asked"`
}

// ProgressRecord is one graded exchange. Records are append-only and are
// never modified after insert.
type ProgressRecord struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	QuestionID    string    `json:"question_id"`
	QuestionText  string    `json:"question_text"`
	StudentReply  string    `json:"student_reply"`
	Score         int       `json:"score"`
	MissingPoints []string  `json:"missing_points"`
	Feedback      string    `json:"feedback"`
}

// SessionState is the single record of what is currently outstanding. It is
// rewritten wholesale on every phase transition; it is current state, not
// history.
type SessionState struct {
	Phase             Phase      `json:"phase"`
	CurrentQuestionID string     `json:"current_question_id,omitempty"`
	ThreadID          string     `json:"thread_id,omitempty"`
	MessageID         string     `json:"message_id,omitempty"`
	AskedAt           *time.Time `json:"asked_at,omitempty"`
	LastQuestionAt    *time.Time `json:"last_question_at,omitempty"`
	RecentQuestionIDs []string   `json:"recent_question_ids,omitempty"`
	SentMessageIDs    []string   `json:"sent_message_ids,omitempty"`
}

// NewSessionState returns the empty state used on first run.
func NewSessionState() SessionState {
	return SessionState{Phase: PhaseIdle}
}

// Outstanding reports whether a question is currently awaiting a reply or a
// grade.
func (s SessionState) Outstanding() bool {
	return s.Phase == PhaseSent || s.Phase == PhaseGrading
}

// PushRecent appends a question id to the recency window, evicting the
// oldest entries beyond RecentWindow. Ids are kept distinct: re-asking a
// question moves its id to the newest slot instead of taking a second one,
// so a small bank cannot shrink the effective exclusion set.
func (s *SessionState) PushRecent(questionID string) {
	for i, id := range s.RecentQuestionIDs {
		if id == questionID {
			s.RecentQuestionIDs = append(s.RecentQuestionIDs[:i], s.RecentQuestionIDs[i+1:]...)
			break
		}
	}
	s.RecentQuestionIDs = append(s.RecentQuestionIDs, questionID)
	if n := len(s.RecentQuestionIDs); n > RecentWindow {
		s.RecentQuestionIDs = s.RecentQuestionIDs[n-RecentWindow:]
	}
}

// PushSentMessage records a message id sent by the service itself, bounded
// to the last SentIDWindow ids.
func (s *SessionState) PushSentMessage(messageID string) {
	s.SentMessageIDs = append(s.SentMessageIDs, messageID)
	if n := len(s.SentMessageIDs); n > SentIDWindow {
		s.SentMessageIDs = s.SentMessageIDs[n-SentIDWindow:]
	}
}

// ClearOutstanding resets the in-flight question fields after a completed
// cycle while keeping the recency window, sent-id window and thread handle.
func (s *SessionState) ClearOutstanding() {
	s.Phase = PhaseIdle
	s.CurrentQuestionID = ""
	s.MessageID = ""
	s.AskedAt = nil
}

// GradeResult is the grader's assessment of one student reply.
type GradeResult struct {
	Score         int      `json:"score"`
	Feedback      string   `json:"feedback"`
	MissingPoints []string `json:"missing_points"`
}

// InboundMessage is a message observed in the quiz thread.
type InboundMessage struct {
	ID         string
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// ServiceConfig holds runtime parameters set via CLI flags.
type ServiceConfig struct {
	TargetEmail      string
	Subject          string
	QuestionInterval time.Duration
	PollInterval     time.Duration
	PromptVariant    string
}
