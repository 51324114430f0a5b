package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/providers"
)

func TestDispatcherRouting(t *testing.T) {
	var got []string
	record := func(label string) Handler {
		return func(Event) { got = append(got, label) }
	}
	d := &Dispatcher{
		OnLLMUsage:       record("usage"),
		OnToolCall:       record("tool"),
		OnProgress:       record("progress"),
		OnChatOut:        record("chat"),
		OnTaskDone:       record("done"),
		OnHeartbeat:      record("heartbeat"),
		OnRestartRequest: record("restart"),
		OnTaskRequest:    record("task_request"),
		OnLog:            record("log"),
	}

	kinds := []string{
		KindLLMUsage, KindToolCall, KindProgress, KindChatOut,
		KindTaskComplete, KindTaskFailed, KindTaskCancelled,
		KindHeartbeat, KindRestartRequest, KindTaskRequest, KindLog, "mystery",
	}
	for _, k := range kinds {
		d.Dispatch(Event{Kind: k})
	}

	want := []string{"usage", "tool", "progress", "chat", "done", "done", "done", "heartbeat", "restart", "task_request", "log", "log"}
	if len(got) != len(want) {
		t.Fatalf("routed %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d routed to %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDispatcherNilHandler(t *testing.T) {
	d := &Dispatcher{}
	// Must not panic.
	d.Dispatch(New(KindProgress))
}

func TestInboxKeepsArrivalOrder(t *testing.T) {
	in := NewInbox()
	for _, k := range []string{"a", "b", "c"} {
		in.Put(Event{Kind: k})
	}
	if in.Len() != 3 {
		t.Errorf("Len() = %d, want 3", in.Len())
	}

	got := in.Drain()
	if len(got) != 3 {
		t.Fatalf("drained %d, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Kind != want {
			t.Errorf("event %d kind = %q, want %q", i, got[i].Kind, want)
		}
	}
	if again := in.Drain(); again != nil {
		t.Errorf("second drain = %d events, want none", len(again))
	}
}

func TestInboxConcurrentPut(t *testing.T) {
	in := NewInbox()
	const workers, each = 10, 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				in.Put(New(KindHeartbeat))
			}
		}()
	}
	wg.Wait()

	if got := len(in.Drain()); got != workers*each {
		t.Errorf("drained %d events, want %d", got, workers*each)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	e := New(KindLLMUsage)
	e.TaskID = "t1"
	e.WorkerID = "w1"
	e.Model = "anthropic/claude-sonnet-4"
	e.Usage = &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Cost: 0.01}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != KindLLMUsage || back.TaskID != "t1" || back.WorkerID != "w1" {
		t.Errorf("round trip lost identity: %+v", back)
	}
	if back.Usage == nil || back.Usage.Cost != 0.01 {
		t.Errorf("round trip lost usage: %+v", back.Usage)
	}
	if back.TS == "" {
		t.Error("ts missing")
	}
}
