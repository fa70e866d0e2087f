package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/ernie/imuhub/internal/domain"
)

func TestNATSPublish(t *testing.T) {
	ns := test.RunRandClientPortServer()
	defer ns.Shutdown()

	pub, err := ConnectNATS(ns.ClientURL(), "hubtest")
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	if _, err := sub.ChanSubscribe("hubtest.>", msgs); err != nil {
		t.Fatal(err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	pub.Publish(domain.TypeMatchStart, []byte(`{"type":"match_start","match_id":"m1"}`))

	select {
	case msg := <-msgs:
		if msg.Subject != "hubtest.match_start" {
			t.Errorf("subject = %s", msg.Subject)
		}
		var body map[string]any
		if err := json.Unmarshal(msg.Data, &body); err != nil || body["match_id"] != "m1" {
			t.Errorf("body = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestEmbeddedNATS(t *testing.T) {
	ns, err := StartEmbeddedNATS("127.0.0.1", -1)
	if err != nil {
		t.Fatal(err)
	}
	defer ns.Shutdown()

	pub, err := ConnectNATS(ns.ClientURL(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer pub.Close()
	if got := pub.Subject("device_connected"); got != "imuhub.device_connected" {
		t.Errorf("Subject = %s", got)
	}
}

func TestRedisMirrorCoalescesWithoutBlocking(t *testing.T) {
	// Nothing listens on this port; writes fail and are only logged.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	m := NewRedisMirror(client, "t")

	start := time.Now()
	for i := 0; i < 1000; i++ {
		m.ObserveEvent(domain.EventRecord{At: time.Now(), UID: "a", Payload: json.RawMessage(`{"type":"imu"}`)})
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("ObserveEvent blocked on redis")
	}
	m.Close()

	if m.LatestKey() != "t:latest" || m.SeenKey() != "t:seen" {
		t.Errorf("keys = %s %s", m.LatestKey(), m.SeenKey())
	}
}
