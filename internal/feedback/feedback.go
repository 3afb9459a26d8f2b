// Package feedback renders the graded-reply email body.
package feedback

import (
	"fmt"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"

	"github.com/pavelanni/quizmail/internal/model"
)

const separator = "============================================================"

// Format builds the feedback email body for a graded reply: score line,
// feedback paragraph, numbered missing points (or a congratulation when
// there are none), then the reference answer under a separator.
func Format(loc *i18n.Localizer, result model.GradeResult, referenceAnswer string) string {
	var sb strings.Builder

	sb.WriteString(loc.MustLocalize(&i18n.LocalizeConfig{
		MessageID:    "ScoreLine",
		TemplateData: map[string]any{"Score": result.Score},
	}))
	sb.WriteString("\n\n")

	sb.WriteString(loc.MustLocalize(&i18n.LocalizeConfig{
		MessageID:    "FeedbackLabel",
		TemplateData: map[string]any{"Feedback": result.Feedback},
	}))
	sb.WriteString("\n\n")

	if len(result.MissingPoints) > 0 {
		sb.WriteString(loc.MustLocalize(&i18n.LocalizeConfig{MessageID: "MissingPointsHeader"}))
		sb.WriteString("\n")
		for i, point := range result.MissingPoints {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, point)
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString(loc.MustLocalize(&i18n.LocalizeConfig{MessageID: "AllPointsCovered"}))
		sb.WriteString("\n\n")
	}

	if referenceAnswer != "" {
		sb.WriteString(separator + "\n")
		sb.WriteString(loc.MustLocalize(&i18n.LocalizeConfig{MessageID: "ReferenceAnswerHeader"}))
		sb.WriteString("\n" + separator + "\n")
		sb.WriteString(referenceAnswer + "\n")
	}

	return sb.String()
}
