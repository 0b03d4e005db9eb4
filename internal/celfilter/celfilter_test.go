package celfilter

import (
	"testing"

	"github.com/c-moss-talk/eventstore/internal/eventstore"
)

func TestEmptyExpressionsAreIdentity(t *testing.T) {
	ev, err := Compile("", "", "")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rec := eventstore.RecordedEvent{EventNumber: 3}
	ok, err := ev.Select(rec)
	if err != nil || !ok {
		t.Fatalf("expected unset selector to accept everything, got ok=%v err=%v", ok, err)
	}
	key, err := ev.PartitionKey(rec)
	if err != nil || key != "" {
		t.Fatalf("expected unset partition_by to return empty key, got %q err=%v", key, err)
	}
	mapped, err := ev.Map(rec)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if mapped.(eventstore.RecordedEvent).EventNumber != 3 {
		t.Fatalf("expected identity mapper to return event unchanged")
	}
}

func TestSelectorFiltersOddEventNumbers(t *testing.T) {
	ev, err := Compile("event_number % 2 == 1", "", "")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for n := int64(1); n <= 6; n++ {
		ok, err := ev.Select(eventstore.RecordedEvent{EventNumber: n})
		if err != nil {
			t.Fatalf("Select(%d): %v", n, err)
		}
		want := n%2 == 1
		if ok != want {
			t.Fatalf("Select(%d) = %v, want %v", n, ok, want)
		}
	}
}

func TestPartitionByReadsJSONField(t *testing.T) {
	ev, err := Compile("", "", `json.aggregate_id`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rec := eventstore.RecordedEvent{Payload: []byte(`{"aggregate_id":"A"}`)}
	key, err := ev.PartitionKey(rec)
	if err != nil {
		t.Fatalf("PartitionKey: %v", err)
	}
	if key != "A" {
		t.Fatalf("expected partition key A, got %q", key)
	}
}

func TestCompileRejectsBadExpression(t *testing.T) {
	if _, err := Compile("this is not cel (((", "", ""); err == nil {
		t.Fatalf("expected compile error for malformed selector")
	}
}

func TestSelectRejectsNonBoolSelectorResult(t *testing.T) {
	ev, err := Compile(`"not a bool"`, "", "")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := ev.Select(eventstore.RecordedEvent{}); err == nil {
		t.Fatalf("expected evaluation error for non-bool selector result")
	}
}
