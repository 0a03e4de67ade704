package ai

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"whitenote/worker/internal/store"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "plain array", in: `["React", "frontend"]`, want: []string{"React", "frontend"}},
		{name: "code fence", in: "```json\n[\"Go\", \"queue\", \"redis\", \"extra\"]\n```", want: []string{"Go", "queue", "redis"}},
		{name: "dedupe and hash", in: `["#idea", "Idea", " notes "]`, want: []string{"idea", "notes"}},
		{name: "spaces become underscores", in: `["machine learning"]`, want: []string{"machine_learning"}},
		{name: "non strings dropped", in: `[1, "ok", null]`, want: []string{"ok"}},
		{name: "hashtag fallback", in: "Tags: #golang #日记", want: []string{"golang", "日记"}},
		{name: "nothing usable", in: "I cannot help with that.", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseTags(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseTags(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSuggestTagsSendsContent(t *testing.T) {
	m := &fakeModel{reply: `["Idea"]`}
	a := NewWithModel(m, "test-model")
	tags, err := a.SuggestTags(context.Background(), "Hello world")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tags, []string{"Idea"}) {
		t.Fatalf("tags %v", tags)
	}
	if len(m.messages) != 2 || m.messages[0].Role != llms.ChatMessageTypeSystem {
		t.Fatalf("unexpected messages %+v", m.messages)
	}
	text := m.messages[1].Parts[0].(llms.TextContent).Text
	if !strings.Contains(text, "Hello world") {
		t.Fatalf("prompt missing content: %q", text)
	}
}

func TestSummarizeJoinsNotes(t *testing.T) {
	m := &fakeModel{reply: "  summary  "}
	a := NewWithModel(m, "test-model")
	out, err := a.Summarize(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "summary" {
		t.Fatalf("summary %q", out)
	}
	text := m.messages[1].Parts[0].(llms.TextContent).Text
	if !strings.Contains(text, "first\n---\nsecond") {
		t.Fatalf("notes not joined: %q", text)
	}
}

func TestGenerateError(t *testing.T) {
	a := NewWithModel(&fakeModel{err: errors.New("429")}, "m")
	if _, err := a.SuggestTags(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(store.AIConfig{}, DefaultTagModel); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
	a, err := New(store.AIConfig{AIAPIKey: "sk-test", AIBaseURL: "http://localhost:1234/v1"}, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Model() != "m1" {
		t.Fatalf("model %s", a.Model())
	}
}
