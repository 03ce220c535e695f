package memport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/meshlink-go/internal/radio/transport"
	"github.com/lk2023060901/meshlink-go/pkg/util/merr"
)

func TestScriptedReads(t *testing.T) {
	ctx := context.Background()
	p := New(WithReads(Data([]byte("abcde"), []byte("xyz"))...))
	require.NoError(t, p.Open(ctx, "h", nil))

	b, err := p.Read(ctx, "h", transport.ServiceUUID, transport.FromRadioUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), b)
	b, err = p.Read(ctx, "h", transport.ServiceUUID, transport.FromRadioUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), b)
	b, err = p.Read(ctx, "h", transport.ServiceUUID, transport.FromRadioUUID)
	require.NoError(t, err)
	assert.Empty(t, b)

	p.QueueReadError(errors.New("gatt busy"))
	_, err = p.Read(ctx, "h", transport.ServiceUUID, transport.FromRadioUUID)
	assert.ErrorIs(t, err, merr.ErrRadioReadFailed)
	assert.EqualValues(t, 4, p.Reads())
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	p := New(WithLoopback())
	require.NoError(t, p.Open(ctx, DefaultHandle, nil))

	require.NoError(t, p.Write(ctx, DefaultHandle, transport.ServiceUUID, transport.ToRadioUUID, []byte("ping")))
	b, err := p.Read(ctx, DefaultHandle, transport.ServiceUUID, transport.FromRadioUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), b)
	assert.Equal(t, [][]byte{[]byte("ping")}, p.Written())
}

func TestNotClosedHandle(t *testing.T) {
	ctx := context.Background()
	p := New()

	_, err := p.Read(ctx, "nope", transport.ServiceUUID, transport.FromRadioUUID)
	assert.ErrorIs(t, err, merr.ErrRadioNotConnected)
	assert.ErrorIs(t, p.Write(ctx, "nope", transport.ServiceUUID, transport.ToRadioUUID, nil), merr.ErrRadioNotConnected)
	assert.ErrorIs(t, p.Close(ctx, "nope"), merr.ErrRadioNotConnected)
}

func TestSelectDevice(t *testing.T) {
	ctx := context.Background()

	h, err := New().SelectDevice(ctx, transport.DefaultFilter())
	require.NoError(t, err)
	assert.Equal(t, DefaultHandle, h)

	p := New(WithDevices("radio-a", "mesh-b"))
	h, err = p.SelectDevice(ctx, transport.DeviceFilter{NamePrefix: "mesh"})
	require.NoError(t, err)
	assert.Equal(t, transport.Handle("mesh-b"), h)

	_, err = p.SelectDevice(ctx, transport.DeviceFilter{NamePrefix: "none"})
	assert.ErrorIs(t, err, merr.ErrRadioDeviceNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.SelectDevice(canceled, transport.DeviceFilter{})
	assert.ErrorIs(t, err, merr.ErrRadioSelectionCanceled)
	assert.EqualValues(t, 3, p.Selects())
}

func TestNotifyAndSimulateClose(t *testing.T) {
	ctx := context.Background()
	p := New()

	var closed transport.Handle
	require.NoError(t, p.Open(ctx, "h", func(h transport.Handle) { closed = h }))

	notified := 0
	require.NoError(t, p.Subscribe(ctx, "h", transport.ServiceUUID, transport.FromNumUUID, func() { notified++ }))
	assert.Equal(t, 1, p.TriggerNotify("h"))
	assert.Equal(t, 1, notified)

	assert.True(t, p.SimulateClose("h"))
	assert.Equal(t, transport.Handle("h"), closed)
	assert.False(t, p.IsOpen("h"))
	assert.False(t, p.SimulateClose("h"))
	assert.Equal(t, 0, p.TriggerNotify("h"))
}

func TestFailures(t *testing.T) {
	ctx := context.Background()
	p := New()
	boom := errors.New("boom")

	p.FailOpen(boom)
	assert.ErrorIs(t, p.Open(ctx, "h", nil), merr.ErrRadioOpenFailed)
	p.FailOpen(nil)
	require.NoError(t, p.Open(ctx, "h", nil))

	p.FailSubscribe(boom)
	assert.ErrorIs(t, p.Subscribe(ctx, "h", transport.ServiceUUID, transport.FromNumUUID, func() {}), merr.ErrRadioSubscribeFailed)

	p.FailWrite(boom)
	assert.ErrorIs(t, p.Write(ctx, "h", transport.ServiceUUID, transport.ToRadioUUID, []byte{1}), boom)
	assert.Empty(t, p.Written())

	p.SetSupported(false)
	ok, err := p.Supported(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFromNumProbe(t *testing.T) {
	ctx := context.Background()
	p := New(WithReads(Data([]byte("keep"))...))
	require.NoError(t, p.Open(ctx, "h", nil))
	require.NoError(t, p.Write(ctx, "h", transport.ServiceUUID, transport.ToRadioUUID, []byte{1}))

	b, err := p.Read(ctx, "h", transport.ServiceUUID, transport.FromNumUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0}, b)
	assert.EqualValues(t, 1, p.Probes())
	assert.EqualValues(t, 0, p.Reads())

	b, err = p.Read(ctx, "h", transport.ServiceUUID, transport.FromRadioUUID)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), b)

	p.FailProbe(errors.New("gatt"))
	_, err = p.Read(ctx, "h", transport.ServiceUUID, transport.FromNumUUID)
	assert.ErrorIs(t, err, merr.ErrRadioReadFailed)
}

func TestSelectHook(t *testing.T) {
	ctx := context.Background()
	userDismissed := errors.New("dialog dismissed")
	p := New(WithSelectHook(func(context.Context) error { return userDismissed }))

	_, err := p.SelectDevice(ctx, transport.DefaultFilter())
	assert.ErrorIs(t, err, userDismissed)
	assert.EqualValues(t, 1, p.Selects())
}
