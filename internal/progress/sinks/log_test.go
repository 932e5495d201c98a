package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/multisession-harvester/internal/progress"
)

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r1", TS: time.Now(), Stage: progress.StageAccountDone, Account: "a@example.com", Records: 7},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "r1", fields["run_id"])
	require.Equal(t, "a@example.com", fields["account"])
	require.Equal(t, int64(7), fields["records"])
	require.NoError(t, sink.Close(context.Background()))
}
