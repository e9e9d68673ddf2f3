package core

import (
	"errors"
	"testing"
	"time"
)

func TestThread_AppendAssignsSequence(t *testing.T) {
	th := NewThread("t1")
	f := NewMessageFactory("agent", "model")

	first := th.Append(f.CreateUserMessage("hi"))
	second := th.Append(f.CreateAssistantMessage("hello", nil, Metrics{}))

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("unexpected sequences: %d, %d", first.Sequence, second.Sequence)
	}
	if first.ID != "t1-1" || second.ID != "t1-2" {
		t.Fatalf("unexpected ids: %s, %s", first.ID, second.ID)
	}
}

func TestThread_HistoryIsDefensive(t *testing.T) {
	th := NewThread("t1")
	f := NewMessageFactory("agent", "model")
	th.Append(f.CreateAssistantMessage("", []ToolCall{{ID: "c1", Name: "x", Arguments: map[string]any{"a": 1}}}, Metrics{}))

	h := th.History()
	h[0].Content = "changed"
	h[0].ToolCalls[0].Arguments["a"] = 2

	if th.Messages[0].Content != "" {
		t.Error("history copy leaked content mutation")
	}
	if th.Messages[0].ToolCalls[0].Arguments["a"] != 1 {
		t.Error("history copy leaked argument mutation")
	}
}

func TestThread_AcquireIsExclusive(t *testing.T) {
	th := NewThread("")
	if err := th.Acquire(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := th.Acquire(); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("expected ErrThreadBusy, got %v", err)
	}
	th.Release()
	if err := th.Acquire(); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestThread_DigestIgnoresTiming(t *testing.T) {
	f := NewMessageFactory("agent", "model")

	a := NewThread("same")
	b := NewThread("same")

	m1 := f.CreateAssistantMessage("4", nil, Metrics{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4, LatencyMs: 10})
	m2 := m1
	m2.Metrics.LatencyMs = 999
	m2.CreatedAt = m1.CreatedAt.Add(time.Hour)

	a.Append(m1)
	b.Append(m2)

	if a.Digest() != b.Digest() {
		t.Fatal("digest should ignore latency and timestamps")
	}

	b.Append(f.CreateUserMessage("more"))
	if a.Digest() == b.Digest() {
		t.Fatal("digest should change with content")
	}
}

func TestThread_CloneDiverges(t *testing.T) {
	th := NewThread("t1")
	th.SetMetadata("k", "v")
	c := th.Clone()
	c.SetMetadata("k", "other")
	c.Append(NewMessageFactory("a", "m").CreateUserMessage("x"))

	if th.Metadata["k"] != "v" || th.Len() != 0 {
		t.Error("clone mutation leaked into original")
	}
	if got := th.Since(5); len(got) != 0 {
		t.Errorf("expected empty slice, got %d", len(got))
	}
}
