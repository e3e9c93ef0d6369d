package pump

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zone-irrigation/internal/testutil"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakeClient struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic, qos, retained, payload})
	return doneToken{err: c.err}
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func TestMQTTPublisher_PublishesRetained(t *testing.T) {
	testutil.LogToTest(t)

	client := &fakeClient{}
	p := NewMQTTPublisher(client, "farm/irrigation1/pump")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.SetPumpRequested(true)
	require.Eventually(t, func() bool { return len(client.sent()) == 1 }, time.Second, time.Millisecond)

	got := client.sent()[0]
	assert.Equal(t, message{topic: "farm/irrigation1/pump", qos: 1, retained: true, payload: PayloadOn}, got)
}

func TestMQTTPublisher_CoalescesToLatest(t *testing.T) {
	client := &fakeClient{}
	p := NewMQTTPublisher(client, "pump")

	// Nothing is running yet, so only the newest value is kept.
	p.SetPumpRequested(true)
	p.SetPumpRequested(false)
	p.SetPumpRequested(true)
	p.SetPumpRequested(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return len(client.sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, PayloadOff, client.sent()[0].payload)
}

func TestMQTTPublisher_PublishError(t *testing.T) {
	p := NewMQTTPublisher(&fakeClient{err: errors.New("not connected")}, "pump")

	err := p.publish(true)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
