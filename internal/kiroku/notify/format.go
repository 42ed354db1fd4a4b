package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

var headings = map[store.SummaryType]string{
	store.SummaryManual:  "Session summary",
	store.SummaryHourly:  "Hourly summary",
	store.SummaryDaily:   "Daily summary",
	store.SummaryWeekly:  "Weekly summary",
	store.SummaryMonthly: "Monthly summary",
}

// FormatSummary renders a stored summary as the Markdown posted to a chat.
func FormatSummary(sum *store.ConversationSummary) string {
	var b strings.Builder
	heading, ok := headings[sum.Type]
	if !ok {
		heading = "Summary"
	}
	fmt.Fprintf(&b, "📝 **%s** (%d messages, %s – %s UTC)\n\n",
		heading, sum.MessageCount,
		sum.StartTime.UTC().Format("Jan 2 15:04"), sum.EndTime.UTC().Format("Jan 2 15:04"))
	b.WriteString(strings.TrimSpace(sum.Content))

	if len(sum.Metadata.MainTopics) > 0 {
		fmt.Fprintf(&b, "\n\n**Topics:** %s", strings.Join(sum.Metadata.MainTopics, ", "))
	}
	if len(sum.Metadata.KeyParticipants) > 0 {
		fmt.Fprintf(&b, "\n**Participants:** %s", strings.Join(sum.Metadata.KeyParticipants, ", "))
	}
	if sum.Metadata.OmittedMessages > 0 {
		fmt.Fprintf(&b, "\n\n(%d earlier messages did not fit and were left out.)", sum.Metadata.OmittedMessages)
	}
	return b.String()
}

// Markdown converts the small subset of Markdown produced by Kiroku into
// HTML for a Matrix event with format=org.matrix.custom.html.
//
// Supported constructs, in order of processing:
//   - Fenced code blocks  ```…```  → <pre><code>…</code></pre>
//   - Inline code  `…`             → <code>…</code>
//   - Bold  **…**                  → <strong>…</strong>
//   - Newlines                     → <br/>
//
// Everything else is HTML-escaped, since summary text comes from an LLM.
func Markdown(md string) string {
	var out strings.Builder
	var inline strings.Builder
	flush := func() {
		s := inline.String()
		inline.Reset()
		s = replaceDelimited(s, "`", "<code>", "</code>")
		s = replaceDelimited(s, "**", "<strong>", "</strong>")
		out.WriteString(strings.ReplaceAll(s, "\n", "<br/>"))
	}

	inCode := false
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				flush()
				out.WriteString("<pre><code>")
			} else {
				out.WriteString("</code></pre>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			out.WriteString(html.EscapeString(line))
			out.WriteString("\n")
			continue
		}
		inline.WriteString(html.EscapeString(line))
		inline.WriteString("\n")
	}
	if inCode {
		out.WriteString("</code></pre>")
	}
	flush()
	return strings.TrimSuffix(out.String(), "<br/>")
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim)
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
