package mail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pavelanni/quizmail/internal/model"
)

// Memory is an in-process Transport for tests: sent messages are recorded,
// and the test injects the student's replies.
type Memory struct {
	mu       sync.Mutex
	nextID   int
	threads  map[string][]model.InboundMessage
	Sent     []SentMessage
	SendErr  error
	PollErr  error
	clock    func() time.Time
}

// SentMessage records one outbound message for assertions.
type SentMessage struct {
	MessageID string
	ThreadID  string
	Subject   string
	Body      string
}

// NewMemory creates an empty in-memory transport. A nil clock uses
// time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{threads: make(map[string][]model.InboundMessage), clock: clock}
}

func (m *Memory) Send(_ context.Context, subject, body, threadID string) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return SendResult{}, m.SendErr
	}

	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	if threadID == "" {
		threadID = fmt.Sprintf("thread-%d", m.nextID)
	}
	m.Sent = append(m.Sent, SentMessage{MessageID: id, ThreadID: threadID, Subject: subject, Body: body})
	m.threads[threadID] = append(m.threads[threadID], model.InboundMessage{
		ID:         id,
		Sender:     "quizmail service",
		Body:       body,
		ReceivedAt: m.clock(),
	})
	return SendResult{MessageID: id, ThreadID: threadID}, nil
}

func (m *Memory) Poll(_ context.Context, threadID string, since time.Time) ([]model.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PollErr != nil {
		return nil, m.PollErr
	}

	var out []model.InboundMessage
	for _, msg := range m.threads[threadID] {
		if msg.ReceivedAt.After(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Receive injects an inbound message into a thread, as if the student (or
// an automated system) had replied at the given time.
func (m *Memory) Receive(threadID, sender, body string, at time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	m.threads[threadID] = append(m.threads[threadID], model.InboundMessage{
		ID:         id,
		Sender:     sender,
		Body:       body,
		ReceivedAt: at,
	})
	return id
}
