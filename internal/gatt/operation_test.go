package gatt

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationFinishesOnce(t *testing.T) {
	logger, hook := test.NewNullLogger()
	o := newReadCharacteristicOp("AA", "2A19", logger)

	ended := 0
	o.bind(func(Operation) { ended++ })

	require.True(t, o.finish(Success(RawRead{Value: []byte{1}})))
	assert.False(t, o.fail("late"), "a second finish MUST be refused")
	assert.False(t, o.cancel(), "cancel after finish MUST be refused")
	assert.Equal(t, 1, ended, "the scheduler hook MUST run once")

	r := <-o.Done()
	assert.True(t, r.OK())
	assert.Equal(t, []byte{1}, r.Value().Value)
	select {
	case <-o.Done():
		t.Fatal("result MUST be delivered exactly once")
	default:
	}

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Operation already finished", hook.LastEntry().Message)
}

func TestOperationCancelSkipsHook(t *testing.T) {
	logger, _ := test.NewNullLogger()
	o := newWriteCharacteristicOp("AA", "2A19", []byte{1}, logger)
	called := false
	o.bind(func(Operation) { called = true })

	require.True(t, o.cancel())
	assert.False(t, called, "cancel MUST NOT release the slot; the scheduler already did")
	assert.Equal(t, Cancelled, (<-o.Done()).Message())
	assert.True(t, o.Finished())
}

func TestSchedulerSkipsFinishedOperation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := newScheduler(&env{logger: logger}, logger)

	o := newConnectOp("AA", false, logger)
	require.True(t, o.fail(MsgConnectTimeout))
	s.Enqueue(o)

	assert.Nil(t, s.Current(), "a finished operation MUST NOT hold the slot")
	assert.False(t, o.Started(), "a finished operation MUST NOT start")
	assert.Equal(t, MsgConnectTimeout, (<-o.Done()).Message())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Operation already finished, skipping", hook.LastEntry().Message)
}

func TestOperationNames(t *testing.T) {
	logger, _ := test.NewNullLogger()
	assert.Equal(t, "Read Characteristic (2a19)", newReadCharacteristicOp("AA", "00002A19-0000-1000-8000-00805F9B34FB", logger).Name())
	assert.Equal(t, "Set Notify (Enable: true)", newSetNotifyOp("AA", "2a37", true, logger).Name())
	assert.Equal(t, "Read Descriptor: 2904 of 2a19", newReadDescriptorOp("AA", "2a19", "2904", logger).Name())
	assert.Equal(t, "read_descriptor", KindReadDescriptor.String())
	assert.NotEqual(t, newConnectOp("AA", false, logger).ID(), newConnectOp("AA", false, logger).ID())
}

func TestResult(t *testing.T) {
	ok := Success(42)
	v, err := ok.Unwrap()
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Empty(t, ok.Message())

	bad := Failf[int]("boom %d", 1)
	_, err = bad.Unwrap()
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "boom 1", f.Message)

	mapped := mapFailure[string](bad, "wrapped: %s")
	assert.Equal(t, "wrapped: boom 1", mapped.Message())
	assert.Equal(t, "boom 1", mapFailure[string](bad, "").Message())
}

func TestCharacteristicHelpers(t *testing.T) {
	services := []Service{{UUID: "180f", Characteristics: []Characteristic{
		{UUID: "2a19", Properties: PropRead | PropNotify, Descriptors: []string{"2902"}},
		{UUID: "2a1a", Properties: PropWriteNoResponse},
	}}}

	c, ok := FindCharacteristic(services, "00002A19-0000-1000-8000-00805F9B34FB")
	require.True(t, ok)
	assert.True(t, c.CanRead())
	assert.True(t, c.CanNotify())
	assert.False(t, c.CanWrite())
	assert.True(t, c.HasDescriptor("0x2902"))

	w, ok := FindCharacteristic(services, "2a1a")
	require.True(t, ok)
	assert.True(t, w.CanWrite(), "write without response MUST count as writable")

	_, ok = FindCharacteristic(services, "ffff")
	assert.False(t, ok)
}

func TestCache(t *testing.T) {
	c := NewCache()
	_, ok := c.Get("AA", "2a19")
	assert.False(t, ok)

	c.Put("AA", "00002A19-0000-1000-8000-00805F9B34FB", ReadResult{Formatted: "50 Percent"})
	r, ok := c.Get("AA", "2A19")
	require.True(t, ok, "keys MUST be normalized")
	assert.Equal(t, "50 Percent", r.Formatted)
	assert.Equal(t, "AA|2a19", CacheKey("AA", "0x2A19"))

	c.Put("AA", "2a19", ReadResult{Formatted: "51 Percent"})
	assert.Equal(t, 1, c.Len(), "a later read MUST overwrite")
}
