package courier

import "testing"

func TestBus(t *testing.T) {
	t.Run("delivers to registered handlers", func(t *testing.T) {
		bus := NewBus(discardLogger())
		var got []any
		bus.On(EventQueueChanged, func(event string, payload any) {
			if event != EventQueueChanged {
				t.Errorf("event = %q", event)
			}
			got = append(got, payload)
		})
		bus.Emit(EventQueueChanged, 1)
		bus.Emit(EventMessagesChanged, 2)
		if len(got) != 1 || got[0] != 1 {
			t.Fatalf("payloads = %v", got)
		}
	})

	t.Run("unsubscribe", func(t *testing.T) {
		bus := NewBus(discardLogger())
		calls := 0
		off := bus.On(EventLastSyncUpdated, func(string, any) { calls++ })
		bus.Emit(EventLastSyncUpdated, nil)
		off()
		off()
		bus.Emit(EventLastSyncUpdated, nil)
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})

	t.Run("panicking handler does not stop others", func(t *testing.T) {
		bus := NewBus(discardLogger())
		calls := 0
		bus.On(EventForceStatsRefresh, func(string, any) { panic("boom") })
		bus.On(EventForceStatsRefresh, func(string, any) { calls++ })
		bus.Emit(EventForceStatsRefresh, nil)
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
	})

	t.Run("close drops handlers", func(t *testing.T) {
		bus := NewBus(discardLogger())
		calls := 0
		bus.On(EventQueueChanged, func(string, any) { calls++ })
		bus.Close()
		bus.Emit(EventQueueChanged, nil)
		if calls != 0 {
			t.Fatalf("calls = %d after Close", calls)
		}
	})

	t.Run("nil bus", func(t *testing.T) {
		var bus *Bus
		bus.Emit(EventQueueChanged, nil)
	})
}
