package health

import (
	"context"
	"errors"
	"testing"
)

// mockQueues serves LPop from in-memory lists.
type mockQueues struct {
	items map[string][]string
	err   error
}

func (m *mockQueues) LPop(_ context.Context, key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	q := m.items[key]
	if len(q) == 0 {
		return "", nil
	}
	m.items[key] = q[1:]
	return q[0], nil
}

type overrideCall struct {
	PolyID, KalshiID, EventID string
}

func TestControl_DispatchesCommands(t *testing.T) {
	mock := &mockQueues{items: map[string][]string{
		overrideQueue: {
			"0xnuggets-jazz|KXNBAGAME-26JAN03DENUTA|DEN-UTA-26JAN03",
			"0xwolves-spurs|KXNBAGAME-26JAN04MINSAS",
		},
		finalizeQueue: {"BOS-MIA-25DEC19"},
	}}

	var overrides []overrideCall
	var finalized []string
	c := NewControl(mock,
		func(polyID, kalshiID, eventID string) {
			overrides = append(overrides, overrideCall{polyID, kalshiID, eventID})
		},
		func(eventID string) { finalized = append(finalized, eventID) },
	)

	c.poll(context.Background())

	if len(overrides) != 2 {
		t.Fatalf("overrides dispatched = %d, want 2", len(overrides))
	}
	want := overrideCall{"0xnuggets-jazz", "KXNBAGAME-26JAN03DENUTA", "DEN-UTA-26JAN03"}
	if overrides[0] != want {
		t.Errorf("first override = %+v, want %+v", overrides[0], want)
	}
	// Omitted event ID stays empty; the resolver mints one.
	if overrides[1].EventID != "" {
		t.Errorf("second override event = %q, want empty", overrides[1].EventID)
	}
	if len(finalized) != 1 || finalized[0] != "BOS-MIA-25DEC19" {
		t.Errorf("finalized = %v, want [BOS-MIA-25DEC19]", finalized)
	}

	// The queues were drained; a second poll dispatches nothing.
	c.poll(context.Background())
	if len(overrides) != 2 || len(finalized) != 1 {
		t.Errorf("second poll re-dispatched: %d overrides, %d finalizes",
			len(overrides), len(finalized))
	}
}

func TestControl_MalformedOverrideSkipped(t *testing.T) {
	mock := &mockQueues{items: map[string][]string{
		overrideQueue: {"no-separator-here", "0xpoly|KXTICKER"},
	}}

	var overrides []overrideCall
	c := NewControl(mock,
		func(polyID, kalshiID, eventID string) {
			overrides = append(overrides, overrideCall{polyID, kalshiID, eventID})
		},
		func(string) {},
	)

	c.poll(context.Background())

	if len(overrides) != 1 {
		t.Fatalf("overrides dispatched = %d, want 1 (malformed skipped)", len(overrides))
	}
	if overrides[0].PolyID != "0xpoly" {
		t.Errorf("dispatched override = %+v", overrides[0])
	}
}

func TestControl_QueueErrorDoesNotDispatch(t *testing.T) {
	mock := &mockQueues{err: errors.New("connection refused")}

	called := false
	c := NewControl(mock,
		func(string, string, string) { called = true },
		func(string) { called = true },
	)

	c.poll(context.Background())

	if called {
		t.Error("callbacks invoked despite queue read failure")
	}
}
