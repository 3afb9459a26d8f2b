package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pavelanni/quizmail/internal/bank"
	"github.com/pavelanni/quizmail/internal/i18n"
	"github.com/pavelanni/quizmail/internal/mail"
	"github.com/pavelanni/quizmail/internal/model"
	"github.com/pavelanni/quizmail/internal/store"
)

const testTarget = "student@example.com"

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type gradeFunc func(ctx context.Context, q model.Question, reply string) (*model.GradeResult, error)

func (f gradeFunc) Grade(ctx context.Context, q model.Question, reply string) (*model.GradeResult, error) {
	return f(ctx, q, reply)
}

func fixedGrade(score int) gradeFunc {
	return func(_ context.Context, _ model.Question, _ string) (*model.GradeResult, error) {
		return &model.GradeResult{Score: score, Feedback: "well done", MissingPoints: []string{}}, nil
	}
}

func makeBank(texts ...string) []model.Question {
	qs := make([]model.Question, 0, len(texts))
	for _, text := range texts {
		qs = append(qs, model.Question{
			ID:              bank.QuestionID(text),
			Text:            text,
			ReferenceAnswer: "reference for: " + text,
		})
	}
	return qs
}

type fixture struct {
	ctrl  *Controller
	store *store.Store
	mem   *mail.Memory
	clock *fakeClock
}

func newFixture(t *testing.T, questions []model.Question, g Grader) *fixture {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.ReplaceQuestions(questions); err != nil {
		t.Fatalf("ReplaceQuestions: %v", err)
	}

	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := mail.NewMemory(clock.Now)

	ctrl, err := New(Deps{
		Store:     st,
		Bank:      questions,
		Transport: mem,
		Grader:    g,
		Localizer: i18n.NewLocalizer("en"),
		Config: model.ServiceConfig{
			TargetEmail:      testTarget,
			Subject:          "Quiz question",
			QuestionInterval: time.Hour,
			PollInterval:     time.Minute,
		},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{ctrl: ctrl, store: st, mem: mem, clock: clock}
}

// runCycle ticks through one full send/reply/grade round.
func (f *fixture) runCycle(t *testing.T, reply string) {
	t.Helper()
	ctx := context.Background()

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("send tick: %v", err)
	}
	st := f.ctrl.State()
	if st.Phase != model.PhaseSent {
		t.Fatalf("phase after send = %q, want %q", st.Phase, model.PhaseSent)
	}

	f.clock.Advance(time.Minute)
	f.mem.Receive(st.ThreadID, testTarget, reply, f.clock.Now())

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("grade tick: %v", err)
	}
	if got := f.ctrl.State().Phase; got != model.PhaseIdle {
		t.Fatalf("phase after grade = %q, want %q", got, model.PhaseIdle)
	}
}

func TestFullCycle(t *testing.T) {
	questions := makeBank("What is the capital of France?")
	f := newFixture(t, questions, fixedGrade(85))
	ctx := context.Background()

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("send tick: %v", err)
	}
	if len(f.mem.Sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(f.mem.Sent))
	}
	if f.mem.Sent[0].Body != questions[0].Text {
		t.Errorf("question body = %q, want %q", f.mem.Sent[0].Body, questions[0].Text)
	}

	// The sent phase must be durable before the tick returns.
	persisted, err := f.store.LoadSessionState()
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if persisted.Phase != model.PhaseSent || persisted.CurrentQuestionID != questions[0].ID {
		t.Fatalf("persisted state = %+v, want sent phase for %s", persisted, questions[0].ID)
	}

	// Polling with no reply changes nothing.
	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("empty poll tick: %v", err)
	}
	if f.ctrl.State().Phase != model.PhaseSent {
		t.Fatal("phase changed on empty poll")
	}

	f.clock.Advance(time.Minute)
	f.mem.Receive(f.ctrl.State().ThreadID, testTarget, "Paris is the capital of France.", f.clock.Now())
	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("grade tick: %v", err)
	}

	records, err := f.store.ListProgress()
	if err != nil {
		t.Fatalf("ListProgress: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("progress records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.QuestionID != questions[0].ID || rec.Score != 85 {
		t.Errorf("progress record = %+v, want question %s score 85", rec, questions[0].ID)
	}
	if rec.StudentReply != "Paris is the capital of France." {
		t.Errorf("student reply = %q", rec.StudentReply)
	}

	avg, ok, err := f.store.AverageFor(questions[0].ID)
	if err != nil || !ok || avg != 85 {
		t.Errorf("AverageFor = (%v, %v, %v), want (85, true, nil)", avg, ok, err)
	}

	// Feedback went back into the same thread.
	if len(f.mem.Sent) != 2 {
		t.Fatalf("sent messages = %d, want question + feedback", len(f.mem.Sent))
	}
	if f.mem.Sent[1].ThreadID != f.mem.Sent[0].ThreadID {
		t.Error("feedback left the question thread")
	}

	st := f.ctrl.State()
	if st.Phase != model.PhaseIdle || st.CurrentQuestionID != "" {
		t.Errorf("state after cycle = %+v, want idle with no outstanding question", st)
	}
	if len(st.RecentQuestionIDs) != 1 || st.RecentQuestionIDs[0] != questions[0].ID {
		t.Errorf("recent ids = %v", st.RecentQuestionIDs)
	}
}

func TestQuestionIntervalGate(t *testing.T) {
	f := newFixture(t, makeBank("q one", "q two"), fixedGrade(70))

	f.runCycle(t, "an answer to the first question")

	// Immediately after a cycle the next question must wait.
	if err := f.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("gated tick: %v", err)
	}
	if len(f.mem.Sent) != 2 {
		t.Fatalf("sent a question before the interval elapsed: %d messages", len(f.mem.Sent))
	}

	f.clock.Advance(time.Hour + time.Second)
	if err := f.ctrl.Tick(context.Background()); err != nil {
		t.Fatalf("post-interval tick: %v", err)
	}
	if len(f.mem.Sent) != 3 {
		t.Fatalf("sent messages = %d, want 3 after interval elapsed", len(f.mem.Sent))
	}
}

func TestSendFailureRetries(t *testing.T) {
	f := newFixture(t, makeBank("only question"), fixedGrade(70))
	ctx := context.Background()

	f.mem.SendErr = errors.New("smtp unreachable")
	err := f.ctrl.Tick(ctx)
	var te *model.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("tick error = %v, want TransientError", err)
	}
	if f.ctrl.State().Phase != model.PhaseIdle {
		t.Fatal("phase advanced despite failed send")
	}
	if len(f.mem.Sent) != 0 {
		t.Fatal("a message was recorded despite failed send")
	}

	f.mem.SendErr = nil
	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if f.ctrl.State().Phase != model.PhaseSent {
		t.Fatal("retry did not send the pending question")
	}
}

func TestPollFailureKeepsOutstanding(t *testing.T) {
	f := newFixture(t, makeBank("only question"), fixedGrade(70))
	ctx := context.Background()

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("send tick: %v", err)
	}

	f.mem.PollErr = errors.New("imap timeout")
	err := f.ctrl.Tick(ctx)
	var te *model.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("tick error = %v, want TransientError", err)
	}
	if f.ctrl.State().Phase != model.PhaseSent {
		t.Fatal("poll failure changed the phase")
	}
}

func TestGradeFailureRegradesSameReply(t *testing.T) {
	calls := 0
	flaky := gradeFunc(func(_ context.Context, _ model.Question, _ string) (*model.GradeResult, error) {
		calls++
		if calls == 1 {
			return nil, &model.GradingError{Raw: "not json", Err: errors.New("invalid character")}
		}
		return &model.GradeResult{Score: 60, Feedback: "ok", MissingPoints: []string{"detail"}}, nil
	})
	f := newFixture(t, makeBank("only question"), flaky)
	ctx := context.Background()

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("send tick: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.mem.Receive(f.ctrl.State().ThreadID, testTarget, "my honest attempt", f.clock.Now())

	err := f.ctrl.Tick(ctx)
	var ge *model.GradingError
	if !errors.As(err, &ge) {
		t.Fatalf("tick error = %v, want GradingError", err)
	}
	if f.ctrl.State().Phase != model.PhaseSent {
		t.Fatal("failed grading did not restore the sent phase")
	}
	if n, _ := f.store.ProgressCount(); n != 0 {
		t.Fatalf("progress records = %d after failed grading, want 0", n)
	}

	// Same reply is picked up again on the next tick.
	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("regrade tick: %v", err)
	}
	if calls != 2 {
		t.Fatalf("grader calls = %d, want 2", calls)
	}
	records, _ := f.store.ListProgress()
	if len(records) != 1 || records[0].Score != 60 {
		t.Fatalf("progress after regrade = %+v, want one record with score 60", records)
	}
}

func TestOutOfRangeScoreDiscarded(t *testing.T) {
	calls := 0
	wild := gradeFunc(func(_ context.Context, _ model.Question, _ string) (*model.GradeResult, error) {
		calls++
		if calls == 1 {
			return &model.GradeResult{Score: 150, Feedback: "overflow"}, nil
		}
		return &model.GradeResult{Score: 90, Feedback: "ok", MissingPoints: []string{}}, nil
	})
	f := newFixture(t, makeBank("only question"), wild)
	ctx := context.Background()

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("send tick: %v", err)
	}
	f.clock.Advance(time.Minute)
	f.mem.Receive(f.ctrl.State().ThreadID, testTarget, "an answer", f.clock.Now())

	err := f.ctrl.Tick(ctx)
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("tick error = %v, want ValidationError", err)
	}
	if n, _ := f.store.ProgressCount(); n != 0 {
		t.Fatal("out-of-range grade was recorded")
	}

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("regrade tick: %v", err)
	}
	records, _ := f.store.ListProgress()
	if len(records) != 1 || records[0].Score != 90 {
		t.Fatalf("progress = %+v, want one record with score 90", records)
	}
}

func TestRestartResumesOutstandingQuestion(t *testing.T) {
	questions := makeBank("only question")
	f := newFixture(t, questions, fixedGrade(75))
	ctx := context.Background()

	if err := f.ctrl.Tick(ctx); err != nil {
		t.Fatalf("send tick: %v", err)
	}
	threadID := f.ctrl.State().ThreadID

	// A new controller over the same store stands in for a restarted
	// process. It must resume polling, not send again.
	resumed, err := New(Deps{
		Store:     f.store,
		Bank:      questions,
		Transport: f.mem,
		Grader:    fixedGrade(75),
		Localizer: i18n.NewLocalizer("en"),
		Config: model.ServiceConfig{
			TargetEmail:      testTarget,
			Subject:          "Quiz question",
			QuestionInterval: time.Hour,
			PollInterval:     time.Minute,
		},
		Now: f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if !resumed.State().Outstanding() {
		t.Fatal("restarted controller lost the outstanding question")
	}

	if err := resumed.Tick(ctx); err != nil {
		t.Fatalf("resume tick: %v", err)
	}
	if len(f.mem.Sent) != 1 {
		t.Fatalf("restart re-sent the question: %d messages", len(f.mem.Sent))
	}

	f.clock.Advance(time.Minute)
	f.mem.Receive(threadID, testTarget, "answered after restart", f.clock.Now())
	if err := resumed.Tick(ctx); err != nil {
		t.Fatalf("grade tick: %v", err)
	}
	if n, _ := f.store.ProgressCount(); n != 1 {
		t.Fatalf("progress records = %d, want 1", n)
	}
}

func TestRecencyWindowStaysBounded(t *testing.T) {
	texts := make([]string, 15)
	for i := range texts {
		texts[i] = fmt.Sprintf("question number %d", i)
	}
	f := newFixture(t, makeBank(texts...), fixedGrade(80))

	for i := 0; i < 12; i++ {
		f.runCycle(t, fmt.Sprintf("answer %d", i))
		f.clock.Advance(time.Hour + time.Second)
	}

	st := f.ctrl.State()
	if len(st.RecentQuestionIDs) != model.RecentWindow {
		t.Fatalf("recent ids = %d, want %d", len(st.RecentQuestionIDs), model.RecentWindow)
	}
	if n, _ := f.store.ProgressCount(); n != 12 {
		t.Fatalf("progress records = %d, want 12", n)
	}
}

func TestNewPrunesStaleOutstandingQuestion(t *testing.T) {
	questions := makeBank("survivor question")
	f := newFixture(t, questions, fixedGrade(80))

	// Persist an outstanding question that the bank no longer contains.
	stale := model.NewSessionState()
	now := f.clock.Now()
	stale.Phase = model.PhaseSent
	stale.CurrentQuestionID = "deadbeefdeadbeef"
	stale.AskedAt = &now
	stale.RecentQuestionIDs = []string{"deadbeefdeadbeef", questions[0].ID}
	if err := f.store.SaveSessionState(stale); err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}

	ctrl, err := New(Deps{
		Store:     f.store,
		Bank:      questions,
		Transport: f.mem,
		Grader:    fixedGrade(80),
		Localizer: i18n.NewLocalizer("en"),
		Config:    model.ServiceConfig{TargetEmail: testTarget, QuestionInterval: time.Hour, PollInterval: time.Minute},
		Now:       f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st := ctrl.State()
	if st.Outstanding() {
		t.Fatal("stale outstanding question survived startup")
	}
	if len(st.RecentQuestionIDs) != 1 || st.RecentQuestionIDs[0] != questions[0].ID {
		t.Fatalf("recent ids = %v, want only the surviving question", st.RecentQuestionIDs)
	}
}

func TestNewRejectsEmptyBank(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	_, err = New(Deps{Store: st, Transport: mail.NewMemory(nil), Grader: fixedGrade(0)})
	var ce *model.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("New error = %v, want ConfigError", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, makeBank("only question"), fixedGrade(80))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctrl.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
