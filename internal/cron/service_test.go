package cron

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

type fakeLock struct {
	held     bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

func newTestService(t *testing.T, lock Lock, jobs ...Job) *Service {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{Logger: quietLogger(), Registry: registry, Lock: lock})
	require.NoError(t, err)
	return svc
}

func TestRunCycleRunsEveryJobAndJoinsFailures(t *testing.T) {
	ok := &testJob{name: "outbox-retention"}
	first := &testJob{name: "balance-integrity", err: errors.New("drift")}
	second := &testJob{name: "export-lag", err: errors.New("timeout")}
	lock := &fakeLock{}
	svc := newTestService(t, lock, first, ok, second)

	err := svc.runCycle(context.Background())

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "balance-integrity: drift")
	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, second.runs)
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)
}

func TestRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	job := &testJob{name: "balance-integrity"}
	lock := &fakeLock{held: true}
	svc := newTestService(t, lock, job)

	require.NoError(t, svc.runCycle(context.Background()))
	assert.Zero(t, job.runs)
	assert.Zero(t, lock.releases)
}

func TestRunCycleStopsOnCanceledContext(t *testing.T) {
	job := &testJob{name: "balance-integrity"}
	lock := &fakeLock{}
	svc := newTestService(t, lock, job)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.runCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, job.runs)
	assert.Equal(t, 1, lock.releases)
}

func TestRunReturnsAfterFirstCycleWhenCanceled(t *testing.T) {
	job := &testJob{name: "outbox-retention"}
	svc := newTestService(t, &fakeLock{}, job)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, svc.Run(ctx), context.Canceled)
}

func TestNewServiceRequiresLockAndLogger(t *testing.T) {
	_, err := NewService(ServiceParams{Lock: &fakeLock{}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Logger: quietLogger()})
	assert.Error(t, err)
}
