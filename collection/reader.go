package collection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/durablestreams/durablestreams/client"
)

// Follow reads a stream's JSON batches in order and applies them to the
// manager until ctx is done or the iterator is exhausted (non-live
// reads). Each batch item may be either a ChangeEvent (routed to its
// registered collection) or a ControlEvent (a {control: "reset"} entry);
// items that are neither are ignored.
//
// Grounded on the same batch-then-flatten shape as
// client.JSONBatchIterator, generalized here to decide per item whether
// it is a change event or a control directive before dispatching.
func Follow(ctx context.Context, stream *client.Stream, manager *Manager, opts ...client.ReadOption) error {
	it := client.ReadJSON[json.RawMessage](ctx, stream, opts...)
	defer it.Close()

	for {
		batch, err := it.Next()
		if errors.Is(err, client.Done) {
			if it.UpToDate {
				return manager.ApplyBatch(nil, true)
			}
			return nil
		}
		if err != nil {
			return err
		}

		events := make([]RawChangeEvent, 0, len(batch.Items))
		for _, raw := range batch.Items {
			var probe struct {
				Control string `json:"control"`
			}
			if err := json.Unmarshal(raw, &probe); err == nil && probe.Control != "" {
				if err := manager.ApplyBatch(events, false); err != nil {
					return err
				}
				events = events[:0]
				manager.ApplyControl(ControlEvent{Control: probe.Control})
				continue
			}

			var event RawChangeEvent
			if err := json.Unmarshal(raw, &event); err != nil {
				return err
			}
			events = append(events, event)
		}

		if err := manager.ApplyBatch(events, batch.UpToDate); err != nil {
			return err
		}
	}
}
