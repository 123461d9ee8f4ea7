package srv

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/parlor/pkg/auth"
	"github.com/codeGROOVE-dev/parlor/pkg/fanout"
	"github.com/codeGROOVE-dev/parlor/pkg/notify"
	"github.com/codeGROOVE-dev/parlor/pkg/store"
)

// received is a decoded server frame.
type received struct {
	ID    *int64          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type recordingNotifier struct {
	signals []notify.Signal
	mu      sync.Mutex
}

func (n *recordingNotifier) RecipientOffline(_ context.Context, s notify.Signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, s)
	return nil
}

func (*recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) Signals() []notify.Signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Signal(nil), n.signals...)
}

type fixture struct {
	hub      *Hub
	store    *store.Memory
	presence *Presence
	rooms    *Rooms
	pipeline *Pipeline
	notifier *recordingNotifier
}

// newFixture wires the messaging components over an in-memory store seeded with
// alice and bob sharing conversation c1, and mallory who shares nothing.
func newFixture(t *testing.T, adapter fanout.Adapter) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	for _, u := range []store.User{
		{ID: "alice", Name: "Alice", Image: "https://img.example.com/a.png"},
		{ID: "bob", Name: "Bob"},
		{ID: "mallory", Name: "Mallory"},
	} {
		if err := st.PutUser(ctx, &u); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.CreateConversation(ctx, "c1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}

	hub := NewHub(adapter)
	presence := NewPresence(hub, st)
	rooms := NewRooms(hub, st)
	n := &recordingNotifier{}
	return &fixture{
		hub:      hub,
		store:    st,
		presence: presence,
		rooms:    rooms,
		pipeline: NewPipeline(hub, st, rooms, presence, WithNotifier(n)),
		notifier: n,
	}
}

// connect registers a connection without a socket; frames are read from its channels.
func (f *fixture) connect(t *testing.T, clientID, userID string) *Client {
	t.Helper()
	c := NewClient(clientID, auth.Identity{UserID: userID, Name: userID + "-claims"}, nil)
	f.hub.Register(context.Background(), c)
	f.presence.Connect(context.Background(), c)
	return c
}

func (f *fixture) disconnect(c *Client) {
	f.presence.Disconnect(context.Background(), c)
	f.hub.Unregister(context.Background(), c.ID)
}

// expect returns the next frame for event on c's send channel, skipping others.
func expect(t *testing.T, c *Client, event string) received {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				t.Fatalf("%s: send channel closed waiting for %s", c.ID, event)
			}
			var r received
			if err := json.Unmarshal(raw, &r); err != nil {
				t.Fatalf("%s: bad frame %s: %v", c.ID, raw, err)
			}
			if r.Event == event {
				return r
			}
		case <-deadline:
			t.Fatalf("%s: no %s frame", c.ID, event)
		}
	}
}

// expectNone fails if c has a queued frame for event. Queued frames are put
// back in order, so later expect calls still see them.
func expectNone(t *testing.T, c *Client, event string) {
	t.Helper()
	var queued []json.RawMessage
	for done := false; !done; {
		select {
		case raw, ok := <-c.send:
			if !ok {
				done = true
				break
			}
			queued = append(queued, raw)
			var r received
			if err := json.Unmarshal(raw, &r); err == nil && r.Event == event {
				t.Errorf("%s: unexpected %s frame: %s", c.ID, event, r.Data)
			}
		default:
			done = true
		}
	}
	for _, raw := range queued {
		if !c.trySend(c.send, raw) && !c.IsClosed() {
			t.Fatalf("%s: send buffer full while restoring frames", c.ID)
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func decode[T any](t *testing.T, r received) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		t.Fatalf("decode %s data %s: %v", r.Event, r.Data, err)
	}
	return v
}

func ptr[T any](v T) *T { return &v }
