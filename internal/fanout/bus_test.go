package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadamaster/internal/model"
)

func TestSubscribeDeliversInFIFOOrder(t *testing.T) {
	b := New(nil, nil)
	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(model.Message{Type: model.MsgTelemetryUpdate, Data: map[string]string{"node_id": "GEN-001"}})
	}

	for i := 0; i < 5; i++ {
		select {
		case msg := <-sub.C():
			assert.Equal(t, model.MsgTelemetryUpdate, msg.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected message %d, got none", i)
		}
	}
	assert.False(t, sub.SlowConsumer())
}

func TestSlowConsumerGetsResyncOnOverflow(t *testing.T) {
	b := New(nil, nil)
	sub := b.Subscribe(2)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(model.Message{Type: model.MsgTelemetryUpdate})
	}

	var last model.Message
	drained := 0
	for {
		select {
		case msg := <-sub.C():
			last = msg
			drained++
		default:
			goto done
		}
	}
done:
	require.Greater(t, drained, 0)
	assert.Equal(t, model.MsgResync, last.Type, "last frame delivered to an overflowed subscriber must be Resync")
}

func TestUnsubscribeRemovesFromStats(t *testing.T) {
	b := New(nil, nil)
	sub := b.Subscribe(0)
	assert.Equal(t, 1, b.Stats().Subscribers)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Stats().Subscribers)

	_, ok := <-sub.C()
	assert.False(t, ok, "subscriber channel must be closed on unsubscribe")
}

func TestPublishSetsTimestampWhenZero(t *testing.T) {
	b := New(nil, nil)
	sub := b.Subscribe(0)
	defer b.Unsubscribe(sub)

	b.Publish(model.Message{Type: model.MsgHeartbeat})
	msg := <-sub.C()
	assert.False(t, msg.At.IsZero())
}

func TestNoCrossSubscriberOrderingRequirement(t *testing.T) {
	b := New(nil, nil)
	a := b.Subscribe(0)
	c := b.Subscribe(0)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(model.Message{Type: model.MsgAlarmRaised})
	b.Publish(model.Message{Type: model.MsgAlarmCleared})

	msgA1 := <-a.C()
	msgA2 := <-a.C()
	msgC1 := <-c.C()
	msgC2 := <-c.C()

	assert.Equal(t, []model.MessageType{model.MsgAlarmRaised, model.MsgAlarmCleared}, []model.MessageType{msgA1.Type, msgA2.Type})
	assert.Equal(t, []model.MessageType{model.MsgAlarmRaised, model.MsgAlarmCleared}, []model.MessageType{msgC1.Type, msgC2.Type})
}
