package summary

import (
	"fmt"
	"strings"

	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

// DefaultTranscriptTokens is the transcript budget when none is configured.
const DefaultTranscriptTokens = 6000

// Preferences tune a single summary.
type Preferences struct {
	FocusDecisions bool
	FocusQuestions bool
	// Anonymize replaces author names with "Participant N".
	Anonymize bool
	// Language is a free-text hint such as "German".
	Language string
	// MaxTranscriptTokens overrides the configured transcript budget.
	MaxTranscriptTokens int
}

type promptInput struct {
	Title        string
	Type         store.SummaryType
	Participants int
	Messages     []store.TrackedMessage
}

var cadenceInstructions = map[store.SummaryType]string{
	store.SummaryManual:  "Summarise this tracked conversation session for someone who missed it.",
	store.SummaryHourly:  "Summarise the last hour of this chat in a few short bullet points.",
	store.SummaryDaily:   "Write a daily digest of this chat: the main threads, outcomes and anything still in progress.",
	store.SummaryWeekly:  "Write a weekly recap of this chat grouped by topic, highlighting outcomes over chatter.",
	store.SummaryMonthly: "Write a monthly overview of this chat: recurring themes, major outcomes and how the discussion evolved.",
}

// buildPrompt assembles the LLM request. When the transcript exceeds the
// token budget the oldest lines are dropped; the returned count says how many.
func buildPrompt(in promptInput, prefs Preferences, budget int) (llm.Request, int) {
	if prefs.MaxTranscriptTokens > 0 {
		budget = prefs.MaxTranscriptTokens
	}
	if budget <= 0 {
		budget = DefaultTranscriptTokens
	}

	var b strings.Builder
	b.WriteString("You summarise conversations from a Matrix group chat.\n")
	if in.Title != "" {
		fmt.Fprintf(&b, "Chat: %s\n", in.Title)
	}
	fmt.Fprintf(&b, "Participants: %d\n", in.Participants)
	b.WriteString(cadenceInstructions[in.Type])
	if prefs.FocusDecisions {
		b.WriteString("\nList every decision that was made and who made it.")
	}
	if prefs.FocusQuestions {
		b.WriteString("\nList the open questions that still need an answer.")
	}
	if prefs.Anonymize {
		b.WriteString("\nParticipants are anonymised. Refer to them only by the labels used in the transcript.")
	}
	if prefs.Language != "" {
		fmt.Fprintf(&b, "\nWrite the summary in %s.", prefs.Language)
	}

	lines := transcriptLines(in.Messages, prefs.Anonymize)
	kept, omitted := fitBudget(lines, budget)

	var t strings.Builder
	if omitted > 0 {
		fmt.Fprintf(&t, "(%d earlier messages omitted)\n", omitted)
	}
	t.WriteString(strings.Join(kept, "\n"))

	return llm.Request{
		Instructions:     b.String(),
		Transcript:       t.String(),
		ParticipantCount: in.Participants,
	}, omitted
}

func transcriptLines(msgs []store.TrackedMessage, anonymize bool) []string {
	labels := make(map[string]string)
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		if anonymize {
			label, ok := labels[m.AuthorID]
			if !ok {
				label = fmt.Sprintf("Participant %d", len(labels)+1)
				labels[m.AuthorID] = label
			}
			name = label
		}
		content := strings.TrimSpace(m.Content)
		if m.MessageType == "m.emote" {
			lines = append(lines, fmt.Sprintf("[%s] * %s %s", m.Timestamp.UTC().Format("2006-01-02 15:04"), name, content))
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.Timestamp.UTC().Format("2006-01-02 15:04"), name, content))
	}
	return lines
}

// fitBudget keeps the newest lines whose estimated tokens fit in budget. The
// newest line is always kept.
func fitBudget(lines []string, budget int) ([]string, int) {
	total := 0
	start := len(lines)
	for start > 0 {
		cost := estimateTokens(lines[start-1])
		if total+cost > budget && start < len(lines) {
			break
		}
		total += cost
		start--
	}
	return lines[start:], start
}

// estimateTokens uses ~4 characters per token plus a small per-line
// overhead. It is a soft limit, not a tokenizer.
func estimateTokens(line string) int {
	const charsPerToken = 4
	const perLineOverhead = 4
	return len(line)/charsPerToken + perLineOverhead
}
