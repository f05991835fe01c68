package logstore

import (
	"context"

	"pi-executor/internal/domain"
)

// Forward publishes entry patches and the session id of a store on bus
// until the store is closed or ctx ends.
func Forward(ctx context.Context, s *Store, bus domain.EventBus, runID string) {
	for msg := range s.Subscribe(ctx) {
		switch msg.Kind {
		case KindPatch:
			eventType := domain.EventEntryAdded
			if msg.Op == PatchReplace {
				eventType = domain.EventEntryReplaced
			}
			bus.Publish(ctx, domain.NewEvent(eventType, runID, domain.EntryPatchPayload{
				Index: msg.Index,
				Entry: *msg.Entry,
			}))
		case KindSessionID:
			evt := domain.NewEvent(domain.EventSessionIdentified, runID, nil)
			evt.SessionID = msg.SessionID
			bus.Publish(ctx, evt)
		}
	}
}
