package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNop_Publish(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), "workflow.x.changed", map[string]string{"a": "b"}))
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := &NATSPublisher{prefix: "dashflow"}
	assert.Equal(t, "dashflow.workflow.1.executed", p.Subject("workflow.1.executed"))

	p.prefix = ""
	assert.Equal(t, "workflow.1.executed", p.Subject("workflow.1.executed"))
}

func TestNATSPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping NATS tests")
	}

	pub, err := Connect(url, "test")
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("test.workflow.abc.changed", ch)
	require.NoError(t, err)
	t.Cleanup(func() { s.Unsubscribe() })
	require.NoError(t, sub.Flush())

	require.NoError(t, pub.Publish(context.Background(), "workflow.abc.changed", map[string]string{"op": "connect"}))

	select {
	case msg := <-ch:
		var body map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		assert.Equal(t, "connect", body["op"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSPublisher_Subscribe(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping NATS tests")
	}

	p, err := Connect(url, "test")
	require.NoError(t, err)
	t.Cleanup(p.Close)

	got := make(chan string, 1)
	unsubscribe, err := p.Subscribe("source.*.reading", func(subject string, _ []byte) {
		got <- subject
	})
	require.NoError(t, err)
	t.Cleanup(func() { unsubscribe() })

	require.NoError(t, p.Publish(context.Background(), "source.s1.reading", map[string]float64{"temp": 21}))

	select {
	case subject := <-got:
		assert.Equal(t, "source.s1.reading", subject)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
