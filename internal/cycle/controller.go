// Package cycle drives the send, wait, grade and reschedule loop.
//
// The controller owns the single session state record and is the only
// writer of it. Every phase transition is persisted before control returns,
// so a restart resumes exactly where the previous process stopped: an
// outstanding question keeps being polled, it is never re-sent.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"

	"github.com/pavelanni/quizmail/internal/feedback"
	"github.com/pavelanni/quizmail/internal/mail"
	"github.com/pavelanni/quizmail/internal/model"
	"github.com/pavelanni/quizmail/internal/selector"
	"github.com/pavelanni/quizmail/internal/store"
)

// Grader evaluates a student's reply to a question.
type Grader interface {
	Grade(ctx context.Context, question model.Question, studentReply string) (*model.GradeResult, error)
}

// Deps holds everything a Controller needs.
type Deps struct {
	Store     *store.Store
	Bank      []model.Question
	Transport mail.Transport
	Grader    Grader
	Localizer *i18n.Localizer
	Selector  *selector.Selector // nil for a time-seeded default
	Config    model.ServiceConfig
	Now       func() time.Time // nil for time.Now
}

// Controller runs the quiz cycle state machine.
type Controller struct {
	store     *store.Store
	bank      []model.Question
	byID      map[string]model.Question
	transport mail.Transport
	grader    Grader
	loc       *i18n.Localizer
	sel       *selector.Selector
	cfg       model.ServiceConfig
	now       func() time.Time

	state model.SessionState
	// pending is a selected question whose send failed; it is retried on
	// the next tick without re-running selection.
	pending *model.Question
}

// New builds a controller and loads the persisted session state. A
// persisted outstanding question that no longer exists in the bank is
// dropped with a warning; recency ids of removed questions are pruned.
func New(deps Deps) (*Controller, error) {
	if len(deps.Bank) == 0 {
		return nil, &model.ConfigError{Msg: "question bank is empty"}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Selector == nil {
		deps.Selector = selector.New(nil)
	}

	byID := make(map[string]model.Question, len(deps.Bank))
	for _, q := range deps.Bank {
		byID[q.ID] = q
	}

	state, err := deps.Store.LoadSessionState()
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}

	changed := false
	if state.Outstanding() {
		if _, ok := byID[state.CurrentQuestionID]; !ok {
			slog.Warn("outstanding question no longer in bank, dropping it",
				"question_id", state.CurrentQuestionID)
			state.ClearOutstanding()
			changed = true
		}
	}
	var recent []string
	for _, id := range state.RecentQuestionIDs {
		if _, ok := byID[id]; ok {
			recent = append(recent, id)
		} else {
			changed = true
		}
	}
	state.RecentQuestionIDs = recent
	if changed {
		if err := deps.Store.SaveSessionState(state); err != nil {
			return nil, fmt.Errorf("save pruned session state: %w", err)
		}
	}

	return &Controller{
		store:     deps.Store,
		bank:      deps.Bank,
		byID:      byID,
		transport: deps.Transport,
		grader:    deps.Grader,
		loc:       deps.Localizer,
		sel:       deps.Selector,
		cfg:       deps.Config,
		now:       deps.Now,
		state:     state,
	}, nil
}

// State returns a copy of the current session state.
func (c *Controller) State() model.SessionState {
	return c.state
}

// Run ticks the state machine until the context is cancelled. The loop
// finishes the tick in flight before stopping.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("quiz cycle started",
		"questions", len(c.bank),
		"target", c.cfg.TargetEmail,
		"question_interval", c.cfg.QuestionInterval,
		"poll_interval", c.cfg.PollInterval,
	)

	for {
		if err := c.Tick(ctx); err != nil {
			if model.IsFatal(err) {
				return err
			}
			logTickError(err)
		}

		select {
		case <-ctx.Done():
			slog.Info("quiz cycle stopped")
			return nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Tick advances the state machine by at most one transition.
func (c *Controller) Tick(ctx context.Context) error {
	switch c.state.Phase {
	case model.PhaseIdle:
		return c.maybeSend(ctx)
	case model.PhaseSent, model.PhaseGrading:
		// A persisted grading phase means the previous process stopped
		// mid-grade: poll again and regrade the same reply.
		return c.pollAndGrade(ctx)
	default:
		return fmt.Errorf("unknown phase %q", c.state.Phase)
	}
}

// maybeSend selects and sends the next question once the question interval
// has elapsed.
func (c *Controller) maybeSend(ctx context.Context) error {
	if c.state.LastQuestionAt != nil {
		elapsed := c.now().Sub(*c.state.LastQuestionAt)
		if elapsed < c.cfg.QuestionInterval {
			slog.Debug("waiting for question interval",
				"remaining", c.cfg.QuestionInterval-elapsed)
			return nil
		}
	}

	// A failed send keeps its selection, so repeated transport failures
	// don't bias selection toward freshly drawn questions.
	if c.pending == nil {
		scores, err := c.store.ListScores()
		if err != nil {
			return &model.TransientError{Op: "list scores", Err: err}
		}
		q, err := c.sel.Select(c.bank, scores, c.state.RecentQuestionIDs, c.state.CurrentQuestionID)
		if err != nil {
			return err
		}
		c.pending = &q
		slog.Info("selected question", "question_id", q.ID)
	}

	res, err := c.transport.Send(ctx, c.cfg.Subject, c.pending.Text, c.state.ThreadID)
	if err != nil {
		return &model.TransientError{Op: "send question", Err: err}
	}

	now := c.now()
	c.state.Phase = model.PhaseSent
	c.state.CurrentQuestionID = c.pending.ID
	c.state.ThreadID = res.ThreadID
	c.state.MessageID = res.MessageID
	c.state.AskedAt = &now
	c.state.LastQuestionAt = &now
	c.state.PushSentMessage(res.MessageID)

	if err := c.store.SaveSessionState(c.state); err != nil {
		// The question is out but the state is not durable; the crash
		// window between send and persist cannot be closed, only kept
		// small. Keep the in-memory state so this process won't resend.
		return fmt.Errorf("persist sent state: %w", err)
	}
	c.pending = nil

	slog.Info("question sent",
		"question_id", c.state.CurrentQuestionID,
		"message_id", res.MessageID,
		"thread_id", res.ThreadID,
	)
	return nil
}

// pollAndGrade checks the thread for a qualifying reply and runs the
// grading transition when one is present.
func (c *Controller) pollAndGrade(ctx context.Context) error {
	question, ok := c.byID[c.state.CurrentQuestionID]
	if !ok {
		// Pruned at startup; mid-run this cannot happen.
		c.state.ClearOutstanding()
		return c.store.SaveSessionState(c.state)
	}

	var since time.Time
	if c.state.AskedAt != nil {
		since = *c.state.AskedAt
	}
	messages, err := c.transport.Poll(ctx, c.state.ThreadID, since)
	if err != nil {
		return &model.TransientError{Op: "poll replies", Err: err}
	}

	filter := mail.ReplyFilter{
		TargetEmail:  c.cfg.TargetEmail,
		QuestionText: question.Text,
		AskedAt:      since,
		SentIDs:      c.state.SentMessageIDs,
	}
	reply, ok := filter.FirstQualifyingReply(messages)
	if !ok {
		return nil
	}

	slog.Info("reply received", "question_id", question.ID, "chars", len(reply))

	c.state.Phase = model.PhaseGrading
	if err := c.store.SaveSessionState(c.state); err != nil {
		c.state.Phase = model.PhaseSent
		return fmt.Errorf("persist grading state: %w", err)
	}

	result, err := c.grader.Grade(ctx, question, reply)
	if err != nil {
		return c.revertToSent(err)
	}
	if result.Score < 0 || result.Score > 100 {
		return c.revertToSent(&model.ValidationError{
			Msg: fmt.Sprintf("grader returned score %d outside [0,100]", result.Score),
		})
	}

	// The record goes into history first: a failure here reverts to the
	// sent phase so the same reply is regraded and nothing is lost.
	_, err = c.store.AppendProgress(model.ProgressRecord{
		Timestamp:     c.now(),
		QuestionID:    question.ID,
		QuestionText:  question.Text,
		StudentReply:  reply,
		Score:         result.Score,
		MissingPoints: result.MissingPoints,
		Feedback:      result.Feedback,
	})
	if err != nil {
		return c.revertToSent(&model.TransientError{Op: "append progress", Err: err})
	}

	if err := c.store.RecordScore(question.ID, result.Score); err != nil {
		// History already has the record; losing one score sample is
		// better than regrading and duplicating history.
		slog.Error("record score failed", "question_id", question.ID, "error", err)
	}

	body := feedback.Format(c.loc, *result, question.ReferenceAnswer)
	if res, err := c.transport.Send(ctx, c.cfg.Subject, body, c.state.ThreadID); err != nil {
		slog.Error("feedback send failed", "question_id", question.ID, "error", err)
	} else {
		c.state.PushSentMessage(res.MessageID)
	}

	c.state.PushRecent(question.ID)
	c.state.ClearOutstanding()
	if err := c.store.SaveSessionState(c.state); err != nil {
		return fmt.Errorf("persist idle state: %w", err)
	}

	avg, _, _ := c.store.AverageFor(question.ID)
	slog.Info("cycle complete",
		"question_id", question.ID,
		"score", result.Score,
		"average", avg,
	)
	return nil
}

// revertToSent restores the sent phase after a failed grading attempt so
// the same reply is picked up and regraded on the next tick.
func (c *Controller) revertToSent(cause error) error {
	c.state.Phase = model.PhaseSent
	if err := c.store.SaveSessionState(c.state); err != nil {
		return errors.Join(cause, fmt.Errorf("restore sent state: %w", err))
	}
	return cause
}

func logTickError(err error) {
	var ge *model.GradingError
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ge):
		slog.Error("grader returned malformed response, will retry", "error", err)
	case errors.As(err, &ve):
		slog.Error("discarded invalid grade, will retry", "error", err)
	default:
		slog.Warn("tick failed, will retry", "error", err)
	}
}
