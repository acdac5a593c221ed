package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type reading struct {
	Component string  `json:"component"`
	Damage    float64 `json:"damage"`
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)
	if carrier.Get("missing") != "" || carrier.Keys() != nil {
		t.Fatal("empty carrier should have no keys")
	}
	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("got %q", got)
	}
	if len(carrier.Keys()) != 1 {
		t.Fatalf("keys = %v", carrier.Keys())
	}
}

func TestRetries(t *testing.T) {
	msg := nats.NewMsg("x")
	if Retries(msg) != 0 {
		t.Fatal("expected 0 without header")
	}
	msg.Header.Set(RetryHeader, "2")
	if Retries(msg) != 2 {
		t.Fatal("expected 2")
	}
	msg.Header.Set(RetryHeader, "junk")
	if Retries(msg) != 0 {
		t.Fatal("expected 0 for junk")
	}
}

type capture struct{ msgs []*nats.Msg }

func (c *capture) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func TestPublishEncodesJSON(t *testing.T) {
	var c capture
	if err := Publish(context.Background(), &c, "collision.test", reading{"hood", 0.4}); err != nil {
		t.Fatal(err)
	}
	var got reading
	if err := json.Unmarshal(c.msgs[0].Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Component != "hood" || got.Damage != 0.4 || c.msgs[0].Subject != "collision.test" {
		t.Fatalf("got %+v on %s", got, c.msgs[0].Subject)
	}
}

func TestPubSubRoundTrip(t *testing.T) {
	nc := startNATS(t)
	ch := make(chan reading, 1)
	sub, err := Subscribe(nc, "t.pubsub", func(_ context.Context, r reading) { ch <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("t.pubsub", []byte("{bad")); err != nil {
		t.Fatal(err)
	}
	if err := Publish(context.Background(), nc, "t.pubsub", reading{"door_fl", 0.2}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if got.Component != "door_fl" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConsumeRetriesThenDeadLetters(t *testing.T) {
	nc := startNATS(t)
	dlq, err := nc.SubscribeSync("t.dlq")
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	sub, err := Consume(nc, ConsumerOpts{
		Subject:    "t.work",
		DLQSubject: "t.dlq",
		MaxRetries: 3,
		Logger:     slog.New(slog.DiscardHandler),
	}, func(context.Context, reading) error {
		calls.Add(1)
		return errors.New("store unavailable")
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "t.work", reading{"hood", 0.5}); err != nil {
		t.Fatal(err)
	}
	m, err := dlq.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("expected dead letter: %v", err)
	}
	var dl DeadLetter
	if err := json.Unmarshal(m.Data, &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Retries != 3 || dl.Error != "store unavailable" || calls.Load() != 3 {
		t.Fatalf("dead letter = %+v, calls = %d", dl, calls.Load())
	}
	var payload reading
	if err := json.Unmarshal(dl.Payload, &payload); err != nil || payload.Component != "hood" {
		t.Fatalf("payload = %s", dl.Payload)
	}
}

func TestConsumePermanentSkipsRetry(t *testing.T) {
	nc := startNATS(t)
	dlq, _ := nc.SubscribeSync("t.dlq2")
	var calls atomic.Int32
	sub, err := Consume(nc, ConsumerOpts{Subject: "t.work2", DLQSubject: "t.dlq2", Logger: slog.New(slog.DiscardHandler)},
		func(context.Context, reading) error {
			calls.Add(1)
			return errors.Join(ErrPermanent, errors.New("unknown model"))
		})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish("t.work2", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	m, err := dlq.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var dl DeadLetter
	_ = json.Unmarshal(m.Data, &dl)
	if dl.Retries != 1 || calls.Load() != 0 {
		t.Fatalf("dead letter = %+v, calls = %d", dl, calls.Load())
	}
}

func TestConsumeSuccess(t *testing.T) {
	nc := startNATS(t)
	done := make(chan struct{})
	sub, err := Consume(nc, ConsumerOpts{Subject: "t.ok"}, func(context.Context, reading) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	_ = Publish(context.Background(), nc, "t.ok", reading{"roof", 0.1})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}
