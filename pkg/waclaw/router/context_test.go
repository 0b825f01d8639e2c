package router

import (
	"strings"
	"testing"

	"github.com/jbhatt/waclaw/pkg/waclaw/kb"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

func TestMatchesTrigger(t *testing.T) {
	cases := []struct {
		content string
		trigger string
		want    bool
	}{
		{"@Bhavi what's up?", "@Bhavi", true},
		{"@bhavi lowercase", "@Bhavi", true},
		{"@BHAVI SHOUTING", "@Bhavi", true},
		{"  @Bhavi leading spaces", "@Bhavi", true},
		{"@BhaviXYZ embedded", "@Bhavi", false},
		{"hello there", "@Bhavi", false},
		{"say @Bhavi mid-message", "@Bhavi", false},
		{"@Bhavi", "@Bhavi", true},
		{"@Bhavi, with punctuation", "@Bhavi", true},
		{"anything", "", false},
	}
	for _, c := range cases {
		if got := MatchesTrigger(c.content, c.trigger); got != c.want {
			t.Errorf("MatchesTrigger(%q, %q) = %v, want %v", c.content, c.trigger, got, c.want)
		}
	}
}

func TestExtractURLs(t *testing.T) {
	t.Run("finds urls in text", func(t *testing.T) {
		urls := ExtractURLs("check https://example.com/a and http://foo.bar/b?x=1 please")
		if len(urls) != 2 || urls[0] != "https://example.com/a" || urls[1] != "http://foo.bar/b?x=1" {
			t.Errorf("unexpected urls: %v", urls)
		}
	})

	t.Run("trims trailing punctuation", func(t *testing.T) {
		urls := ExtractURLs("see https://example.com/post.")
		if len(urls) != 1 || urls[0] != "https://example.com/post" {
			t.Errorf("unexpected urls: %v", urls)
		}
	})

	t.Run("no urls yields nothing", func(t *testing.T) {
		if urls := ExtractURLs("plain text"); urls != nil {
			t.Errorf("expected nil, got %v", urls)
		}
	})
}

func TestLooksLikeQuestion(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"what is the plan", true},
		{"How do we proceed", true},
		{"is this ready", true},
		{"ship it now", false},
		{"the answer is 42", false},
		{"done?", true},
		{"", false},
		{"   ", false},
	}
	for _, c := range cases {
		if got := LooksLikeQuestion(c.content); got != c.want {
			t.Errorf("LooksLikeQuestion(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}

func TestBuildContext(t *testing.T) {
	msgs := []store.Message{
		{SenderName: "Priya", Timestamp: "2026-02-01T10:00:00Z", Content: "hello <world> & \"friends\""},
		{SenderName: "Arun", Timestamp: "2026-02-01T10:00:01Z", Content: "plain"},
	}

	got := BuildContext(msgs)

	t.Run("wraps in messages element", func(t *testing.T) {
		if !strings.HasPrefix(got, "<messages>") || !strings.HasSuffix(got, "</messages>") {
			t.Errorf("not wrapped: %q", got)
		}
	})

	t.Run("escapes content", func(t *testing.T) {
		if strings.Contains(got, "<world>") {
			t.Error("raw angle brackets leaked")
		}
		if !strings.Contains(got, "hello &lt;world&gt; &amp; &quot;friends&quot;") {
			t.Errorf("escaping wrong: %q", got)
		}
	})

	t.Run("carries sender and time attributes", func(t *testing.T) {
		if !strings.Contains(got, `sender="Priya" time="2026-02-01T10:00:00Z"`) {
			t.Errorf("attributes missing: %q", got)
		}
	})
}

func TestBuildKBContext(t *testing.T) {
	t.Run("empty results yield empty block", func(t *testing.T) {
		if got := BuildKBContext(nil); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("entries carry title and similarity", func(t *testing.T) {
		got := BuildKBContext([]kb.SearchResult{
			{Title: "memo", Similarity: 0.91, Content: "body text", URL: "https://example.com"},
		})
		if !strings.Contains(got, `title="memo"`) || !strings.Contains(got, `similarity="0.91"`) {
			t.Errorf("attributes missing: %q", got)
		}
		if !strings.Contains(got, "<knowledge_base>") {
			t.Errorf("wrapper missing: %q", got)
		}
	})
}
