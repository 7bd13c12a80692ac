package translate

import (
	"testing"

	"converse-gateway/internal/converse"
)

func userText(text string) converse.Message {
	return converse.Message{Role: converse.RoleUser, Content: []converse.ContentBlock{converse.TextBlock(text)}}
}

func assistantText(text string) converse.Message {
	return converse.Message{Role: converse.RoleAssistant, Content: []converse.ContentBlock{converse.TextBlock(text)}}
}

func TestReframeMergesConsecutiveRoles(t *testing.T) {
	in := []converse.Message{
		userText("one"),
		userText("two"),
		assistantText("reply"),
		userText("three"),
		userText("four"),
		userText("five"),
	}

	out := Reframe(in)

	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if len(out[0].Content) != 2 || len(out[2].Content) != 3 {
		t.Fatalf("unexpected merge shape: %d, %d", len(out[0].Content), len(out[2].Content))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Role == out[i-1].Role {
			t.Fatalf("roles not alternating at %d", i)
		}
	}
}

func TestReframePreservesContentOrder(t *testing.T) {
	in := []converse.Message{userText("a"), userText("b"), userText("c")}

	out := Reframe(in)

	if len(out) != 1 || len(out[0].Content) != 3 {
		t.Fatalf("unexpected shape: %+v", out)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := *out[0].Content[i].Text; got != want {
			t.Fatalf("content[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestReframeIdempotentOnAlternating(t *testing.T) {
	in := []converse.Message{userText("q"), assistantText("a"), userText("q2")}

	out := Reframe(in)

	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	for i := range out {
		if out[i].Role != in[i].Role || len(out[i].Content) != 1 {
			t.Fatalf("message %d altered: %+v", i, out[i])
		}
	}
}

func TestReframeEmpty(t *testing.T) {
	if out := Reframe(nil); len(out) != 0 {
		t.Fatalf("expected empty result, got %+v", out)
	}
}
