// Package router – context.go assembles the agent prompt: the XML-wrapped
// context window, the trigger filter, URL extraction for side-ingestion,
// and the question heuristic that decides whether to attach KB context.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jbhatt/waclaw/pkg/waclaw/kb"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// urlPattern matches generic HTTP(S) URLs in message text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// interrogatives are the lead words that mark a message as a question.
var interrogatives = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "whose": true,
	"can": true, "could": true, "should": true, "would": true, "will": true,
	"is": true, "are": true, "do": true, "does": true, "did": true,
}

// MatchesTrigger reports whether content starts with the trigger as a
// whole word, case-insensitively. "@Alfred foo" matches trigger "@Alfred";
// "@AlfredXYZ foo" does not.
func MatchesTrigger(content, trigger string) bool {
	if trigger == "" {
		return false
	}
	pattern := `(?i)^` + regexp.QuoteMeta(trigger) + `\b`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(strings.TrimSpace(content))
}

// ExtractURLs pulls every HTTP(S) URL out of message text.
func ExtractURLs(content string) []string {
	matches := urlPattern.FindAllString(content, -1)
	var urls []string
	for _, m := range matches {
		urls = append(urls, strings.TrimRight(m, ".,;:!?)"))
	}
	return urls
}

// LooksLikeQuestion reports whether content reads as a question: it starts
// with an interrogative word or ends with a question mark.
func LooksLikeQuestion(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	return len(fields) > 0 && interrogatives[strings.Trim(fields[0], ".,!:;")]
}

// BuildContext wraps the context window in <messages> for the agent.
// Each message is XML-escaped and tagged with sender and time.
func BuildContext(msgs []store.Message) string {
	var sb strings.Builder
	sb.WriteString("<messages>\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "  <message sender=\"%s\" time=\"%s\">%s</message>\n",
			escapeXML(m.SenderName), escapeXML(m.Timestamp), escapeXML(m.Content))
	}
	sb.WriteString("</messages>")
	return sb.String()
}

// BuildKBContext wraps retrieval hits in <knowledge_base> for prepending
// to the context window.
func BuildKBContext(results []kb.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<knowledge_base>\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "  <entry title=\"%s\" similarity=\"%.2f\"", escapeXML(r.Title), r.Similarity)
		if r.URL != "" {
			fmt.Fprintf(&sb, " url=\"%s\"", escapeXML(r.URL))
		}
		fmt.Fprintf(&sb, ">%s</entry>\n", escapeXML(r.Content))
	}
	sb.WriteString("</knowledge_base>")
	return sb.String()
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlReplacer.Replace(s)
}
