package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []harvest.RunRequest
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, req harvest.RunRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return "run-1", nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func template() harvest.RunRequest {
	return harvest.RunRequest{RunID: "stale", Sheet: "weekly", Topic: "golang", Target: 200, Mode: harvest.ModeHybrid}
}

func TestTriggerSubmitsTemplate(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	s, err := New(Config{Spec: "@every 6h", Template: template()}, sub, zap.NewNop())
	require.NoError(t, err)

	s.Trigger(context.Background())
	require.Equal(t, 1, sub.count())
	got := sub.reqs[0]
	require.Empty(t, got.RunID, "each scheduled run gets a fresh id")
	require.Equal(t, "weekly", got.Sheet)
	require.Equal(t, 200, got.Target)
}

func TestTriggerLogsSubmissionFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	s, err := New(Config{Spec: "@daily", Template: template()}, &recordingSubmitter{err: errors.New("queue full")}, zap.New(core))
	require.NoError(t, err)

	s.Trigger(context.Background())
	require.Equal(t, 1, logs.FilterMessage("scheduled run submission failed").Len())
}

func TestStartRunOnStart(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	s, err := New(Config{Spec: "@every 6h", Template: template(), RunOnStart: true}, sub, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Error(t, s.Start(context.Background()))
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Spec: "not a cron spec"}, &recordingSubmitter{}, nil)
	require.NoError(t, err)
	require.Error(t, s.Start(context.Background()))
	s.Stop()
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Spec: "@daily"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, &recordingSubmitter{}, nil)
	require.Error(t, err)
}
