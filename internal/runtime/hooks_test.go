package runtime

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/postrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/postrelay/internal/runtime/logging"
	"github.com/drblury/postrelay/transport"
)

func TestRelayHooksMerge(t *testing.T) {
	var calls []string
	first := RelayHooks{
		OnApplied: func(RelayContext) { calls = append(calls, "first") },
	}
	second := RelayHooks{
		OnApplied: func(RelayContext) { calls = append(calls, "second") },
		OnDropped: func(RelayContext, error) { calls = append(calls, "dropped") },
	}

	merged := first.Merge(second)
	merged.OnApplied(RelayContext{})
	merged.OnDropped(RelayContext{}, nil)

	assert.Equal(t, []string{"first", "second", "dropped"}, calls)
	assert.Nil(t, merged.OnApplyFailed)
}

func runHooks(hooks RelayHooks, msg *message.Message, result error) error {
	handler := relayHooksMiddleware(hooks)(func(m *message.Message) ([]*message.Message, error) {
		m.Metadata.Set(MetadataKeyAction, "create")
		return nil, result
	})
	_, err := handler(msg)
	return err
}

func TestRelayHooksMiddlewareDispatch(t *testing.T) {
	var applied, dropped, failed []RelayContext
	hooks := RelayHooks{
		OnApplied:     func(ctx RelayContext) { applied = append(applied, ctx) },
		OnDropped:     func(ctx RelayContext, _ error) { dropped = append(dropped, ctx) },
		OnApplyFailed: func(ctx RelayContext, _ error) { failed = append(failed, ctx) },
	}

	msg := message.NewMessage("m-1", nil)
	msg.Metadata.Set(transport.MetadataRedelivered, "true")
	assert.NoError(t, runHooks(hooks, msg, nil))

	malformed := &errspkg.MalformedPayloadError{MessageUUID: "m-2", Err: errors.New("bad json")}
	assert.ErrorIs(t, runHooks(hooks, message.NewMessage("m-2", nil), malformed), malformed)

	applyErr := &errspkg.ApplyError{Op: "create", MessageUUID: "m-3", Err: errors.New("down")}
	assert.ErrorIs(t, runHooks(hooks, message.NewMessage("m-3", nil), applyErr), applyErr)

	if assert.Len(t, applied, 1) {
		assert.Equal(t, "m-1", applied[0].MessageUUID)
		assert.Equal(t, "create", applied[0].Action)
		assert.True(t, applied[0].Redelivered)
	}
	assert.Len(t, dropped, 1)
	if assert.Len(t, failed, 1) {
		assert.False(t, failed[0].Redelivered)
	}
}

func TestMetricsHooks(t *testing.T) {
	m := NewRelayMetrics(prometheus.NewRegistry())
	hooks := MetricsHooks(m).Merge(LoggingHooks(loggingpkg.Discard()))

	hooks.OnApplied(RelayContext{Action: "update"})
	hooks.OnDropped(RelayContext{}, errors.New("bad"))
	hooks.OnApplyFailed(RelayContext{Action: "delete"}, errors.New("down"))

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Applied["update"])
	assert.Equal(t, uint64(1), snap.Dropped[DropReasonMalformed])
	assert.Equal(t, uint64(1), snap.ApplyFailures["delete"])
}
