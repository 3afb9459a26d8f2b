package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/pavelanni/quizmail/internal/model"
)

// Gmail is the production Transport backed by the Gmail API.
type Gmail struct {
	svc    *gmail.Service
	target string
}

// NewGmail builds a Gmail transport from OAuth client credentials and a
// previously stored token (see Authorize).
func NewGmail(ctx context.Context, credentialsFile, tokenFile, target string) (*Gmail, error) {
	cfg, err := oauthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, &model.ConfigError{
			Msg: fmt.Sprintf("no Gmail token at %s, run the auth command first", tokenFile),
			Err: err,
		}
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}
	return &Gmail{svc: svc, target: target}, nil
}

// Send delivers a plain-text message to the target address. A non-empty
// threadID continues the existing conversation with a "Re:" subject.
func (g *Gmail) Send(ctx context.Context, subject, body, threadID string) (SendResult, error) {
	if threadID != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	var mime strings.Builder
	mime.WriteString("To: " + g.target + "\r\n")
	mime.WriteString("Subject: " + subject + "\r\n")
	mime.WriteString("MIME-Version: 1.0\r\n")
	mime.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	mime.WriteString("\r\n")
	mime.WriteString(body)

	msg := &gmail.Message{
		Raw:      base64.RawURLEncoding.EncodeToString([]byte(mime.String())),
		ThreadId: threadID,
	}

	sent, err := g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return SendResult{}, &model.TransientError{Op: "send", Err: err}
	}
	return SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// Poll returns the messages in a thread received after since, oldest first.
func (g *Gmail) Poll(ctx context.Context, threadID string, since time.Time) ([]model.InboundMessage, error) {
	thread, err := g.svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, &model.TransientError{Op: "poll", Err: err}
	}

	var messages []model.InboundMessage
	for _, m := range thread.Messages {
		receivedAt := time.UnixMilli(m.InternalDate)
		if !receivedAt.After(since) {
			continue
		}
		messages = append(messages, model.InboundMessage{
			ID:         m.Id,
			Sender:     headerValue(m, "From"),
			Body:       messageText(m.Payload),
			ReceivedAt: receivedAt,
		})
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
	return messages, nil
}

// Authorize runs the one-time OAuth code exchange and stores the token.
// The verification code is read from r (stdin in the auth command).
func Authorize(ctx context.Context, credentialsFile, tokenFile string, r *os.File, w *os.File) error {
	cfg, err := oauthConfig(credentialsFile)
	if err != nil {
		return err
	}

	url := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(w, "Open the following URL in a browser, authorize the app, then paste the code here:\n%s\n\ncode: ", url)

	var code string
	if _, err := fmt.Fscan(r, &code); err != nil {
		return fmt.Errorf("read authorization code: %w", err)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(tokenFile, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	fmt.Fprintf(w, "Token saved to %s\n", tokenFile)
	return nil
}

func oauthConfig(credentialsFile string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, &model.ConfigError{Msg: "Gmail credentials file not found", Err: err}
	}
	cfg, err := google.ConfigFromJSON(data, gmail.GmailSendScope, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, &model.ConfigError{Msg: "parse Gmail credentials", Err: err}
	}
	return cfg, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tok, nil
}

func headerValue(m *gmail.Message, name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// messageText walks the MIME tree for the first text/plain part, falling
// back to stripped text/html.
func messageText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if data, err := decodeBody(part.Body.Data); err == nil {
			return string(data)
		}
	}
	if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
		if data, err := decodeBody(part.Body.Data); err == nil {
			return StripHTML(string(data))
		}
	}
	for _, sub := range part.Parts {
		if text := messageText(sub); text != "" {
			return text
		}
	}
	return ""
}

// decodeBody handles the API's URL-safe base64, with or without padding.
func decodeBody(data string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
}
