package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybus/broker/internal/discovery"
)

type fakeConnector struct {
	registered   chan discovery.Instance
	deregistered chan discovery.Instance
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		registered:   make(chan discovery.Instance, 1),
		deregistered: make(chan discovery.Instance, 1),
	}
}

func (f *fakeConnector) Register(ctx context.Context, instance discovery.Instance) error {
	f.registered <- instance
	return nil
}

func (f *fakeConnector) Deregister(ctx context.Context, instance discovery.Instance) error {
	f.deregistered <- instance
	return nil
}

func TestRunnerRegistersAndDeregistersAroundCleanStop(t *testing.T) {
	conn := newFakeConnector()
	r := NewRunner("test-component", Func(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	r.Discovery = conn
	r.Instance = discovery.Instance{ServiceName: "test", Host: "localhost", Port: 1234}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	select {
	case <-conn.registered:
	case <-time.After(time.Second):
		t.Fatal("expected Register to be called")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Start to return")
	}

	select {
	case <-conn.deregistered:
	case <-time.After(time.Second):
		t.Fatal("expected Deregister to be called")
	}
}

func TestRunnerPropagatesComponentError(t *testing.T) {
	wantErr := errors.New("boom")
	r := NewRunner("test-component", Func(func(ctx context.Context) error {
		return wantErr
	}))

	assert.ErrorIs(t, r.Start(context.Background()), wantErr)
}

func TestGroupCancelsSiblingsOnFirstError(t *testing.T) {
	wantErr := errors.New("boom")
	failing := NewRunner("failing", Func(func(ctx context.Context) error {
		return wantErr
	}))
	waiting := NewRunner("waiting", Func(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	assert.ErrorIs(t, Group(context.Background(), failing, waiting), wantErr)
}
