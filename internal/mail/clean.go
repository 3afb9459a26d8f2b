package mail

import (
	"regexp"
	"strings"
)

var (
	quoteLineRegex  = regexp.MustCompile(`(?m)^>.*$`)
	wroteTrailRegex = regexp.MustCompile(`(?ms)^On .+ wrote:.*$`)
	blankRunsRegex  = regexp.MustCompile(`\n\s*\n`)
	htmlTagRegex    = regexp.MustCompile(`<[^<]+?>`)
)

// feedbackMarkers appear near the top of the service's own feedback emails.
// Messages carrying one are echoes of our output, not student answers.
var feedbackMarkers = []string{
	"your score:",
	"missing points:",
	"ваша оценка:",
	"упущенные моменты:",
}

// ExtractReply strips email-client quoting from a reply body: quoted lines,
// the "On ... wrote:" trailer, runs of blank lines.
func ExtractReply(body string) string {
	text := quoteLineRegex.ReplaceAllString(body, "")
	text = wroteTrailRegex.ReplaceAllString(text, "")
	text = blankRunsRegex.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// LooksLikeFeedback reports whether a message body appears to be one of the
// service's own feedback emails.
func LooksLikeFeedback(body string) bool {
	head := strings.ToLower(body)
	if len(head) > 200 {
		head = head[:200]
	}
	for _, marker := range feedbackMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// IsQuoteOfQuestion reports whether a reply is mostly a quote of the
// question itself, which some clients send when the student hits reply
// without typing anything. The check compares the reply's words against the
// opening words of the question.
func IsQuoteOfQuestion(reply, questionText string) bool {
	questionWords := strings.Fields(strings.ToLower(questionText))
	if len(questionWords) == 0 {
		return false
	}
	if len(questionWords) > 10 {
		questionWords = questionWords[:10]
	}

	replyWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(reply)) {
		replyWords[w] = true
	}

	matched := 0
	for _, w := range questionWords {
		if replyWords[w] {
			matched++
		}
	}
	return float64(matched)/float64(len(questionWords)) > 0.8
}

// StripHTML removes markup from an HTML body, used as a fallback when a
// message has no plain-text part.
func StripHTML(html string) string {
	return htmlTagRegex.ReplaceAllString(html, "")
}

func senderMatches(sender, target string) bool {
	if target == "" {
		return false
	}
	return strings.Contains(strings.ToLower(sender), strings.ToLower(target))
}
