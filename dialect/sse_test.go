package dialect

import "testing"

func TestSSEFramerSimpleEvent(t *testing.T) {
	f := NewSSEFramer()
	events := f.Feed([]byte("data: {\"a\":1}\n\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data != `{"a":1}` {
		t.Errorf("unexpected data: %q", events[0].Data)
	}
}

func TestSSEFramerSplitAcrossChunks(t *testing.T) {
	f := NewSSEFramer()
	if len(f.Feed([]byte("data: {\"a\""))) != 0 {
		t.Fatal("expected no events from a partial chunk")
	}
	events := f.Feed([]byte(":1}\n\n"))
	if len(events) != 1 || events[0].Data != `{"a":1}` {
		t.Fatalf("expected reassembled event, got %+v", events)
	}
}

func TestSSEFramerNewlineInsideJSONString(t *testing.T) {
	f := NewSSEFramer()
	events := f.Feed([]byte("data: {\"text\":\"line\\nbreak\"}\n\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data != `{"text":"line\nbreak"}` {
		t.Errorf("unexpected data: %q", events[0].Data)
	}
}

func TestSSEFramerDone(t *testing.T) {
	f := NewSSEFramer()
	events := f.Feed([]byte("data: [DONE]\n\n"))
	if len(events) != 1 || !events[0].Done {
		t.Fatalf("expected a Done event, got %+v", events)
	}
}

func TestSSEFramerEventName(t *testing.T) {
	f := NewSSEFramer()
	events := f.Feed([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Event != "message_start" {
		t.Errorf("expected event name 'message_start', got %q", events[0].Event)
	}
}

func TestSSEFramerMultipleEventsInOneFeed(t *testing.T) {
	f := NewSSEFramer()
	events := f.Feed([]byte("data: {\"a\":1}\n\ndata: {\"a\":2}\n\n"))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Data != `{"a":1}` || events[1].Data != `{"a":2}` {
		t.Errorf("unexpected data: %+v", events)
	}
}

func TestSSEFramerOverflow(t *testing.T) {
	f := NewSSEFramer()
	huge := make([]byte, maxSSEBufferBytes+1)
	for i := range huge {
		huge[i] = 'x'
	}
	f.Feed(huge)
	if !f.Overflowed() {
		t.Error("expected Overflowed() to be true after exceeding the buffer cap")
	}
}

func TestScanJSONCompleteNestedBraces(t *testing.T) {
	buf := []byte(`{"a":{"b":[1,2,3]}}` + "\n")
	end, ok := scanJSONComplete(buf, 0)
	if !ok {
		t.Fatal("expected scan to complete")
	}
	if string(buf[:end]) != `{"a":{"b":[1,2,3]}}` {
		t.Errorf("unexpected slice: %q", buf[:end])
	}
}
