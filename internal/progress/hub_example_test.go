package progress

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	records int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.records += evt.Records
	}
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting account completions and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	for _, account := range []string{"a@example.com", "b@example.com"} {
		hub.Emit(Event{
			RunID:   "run-1",
			TS:      time.Unix(0, 0),
			Stage:   StageAccountDone,
			Account: account,
			Records: 20,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records harvested: %d\n", sink.records)
	// Output:
	// records harvested: 40
}
