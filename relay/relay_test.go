package relay

import (
	"context"
	"testing"
	"time"

	session "github.com/arcgis-community/portal-session"
	"github.com/arcgis-community/portal-session/host"
)

const (
	parentOrigin = "https://parent.example.com"
	childOrigin  = "https://child.example.com"
	evilOrigin   = "https://evil.example.com"
)

func liveSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		Portal:      "https://portal.city.gov/portal/sharing/rest",
		Token:       "shared-token",
		TokenExpiry: time.Now().Add(1 * time.Hour),
		Username:    "c@sey",
		SSL:         true,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

func TestRelayRoundTrip(t *testing.T) {
	bus := host.NewBus()
	parent := bus.Endpoint(parentOrigin)
	child := bus.Endpoint(childOrigin)

	cancel := Enable(liveSession(t), []string{childOrigin}, parent, Options{})
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	s, err := RequestFromParent(ctx, parentOrigin, child, Options{})
	if err != nil {
		t.Fatalf("RequestFromParent: %v", err)
	}
	if s.Token() != "shared-token" {
		t.Errorf("Token = %q, want shared-token", s.Token())
	}
	if s.Username() != "c@sey" {
		t.Errorf("Username = %q, want c@sey", s.Username())
	}
	if s.Portal() != "https://portal.city.gov/portal/sharing/rest" {
		t.Errorf("Portal = %q", s.Portal())
	}
	if s.CanRefresh() {
		t.Error("relayed sessions are token-only")
	}
}

func TestRelayIgnoresUnlistedOrigin(t *testing.T) {
	bus := host.NewBus()
	parent := bus.Endpoint(parentOrigin)
	evil := bus.Endpoint(evilOrigin)

	cancel := Enable(liveSession(t), []string{childOrigin}, parent, Options{})
	defer cancel()

	var got []host.Message
	evil.Subscribe(func(in host.Incoming) { got = append(got, in.Message) })

	_ = evil.Post(parentOrigin, host.Message{Type: MessageTypeRequestCredential})

	// The request is dropped silently; an attacker learns nothing, not
	// even that a session exists.
	if len(got) != 0 {
		t.Fatalf("unlisted origin received %v, want no reply at all", got)
	}
}

func TestRelayIgnoresOtherMessageTypes(t *testing.T) {
	bus := host.NewBus()
	parent := bus.Endpoint(parentOrigin)
	child := bus.Endpoint(childOrigin)

	cancel := Enable(liveSession(t), []string{childOrigin}, parent, Options{})
	defer cancel()

	var got []host.Message
	child.Subscribe(func(in host.Incoming) { got = append(got, in.Message) })

	_ = child.Post(parentOrigin, host.Message{Type: "unrelated:ping"})

	if len(got) != 0 {
		t.Fatalf("unexpected reply to an unrelated message: %v", got)
	}
}

func TestRelayExpiredToken(t *testing.T) {
	bus := host.NewBus()
	parent := bus.Endpoint(parentOrigin)
	child := bus.Endpoint(childOrigin)

	expired, err := session.New(session.Options{
		Portal:      "https://portal.city.gov/portal/sharing/rest",
		Token:       "stale",
		TokenExpiry: time.Now().Add(-1 * time.Minute),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}

	cancel := Enable(expired, []string{childOrigin}, parent, Options{})
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	_, err = RequestFromParent(ctx, parentOrigin, child, Options{})
	if err == nil {
		t.Fatal("expected an error for an expired credential")
	}
	if session.ErrorCode(err) != "tokenExpiredError" {
		t.Errorf("ErrorCode = %q, want tokenExpiredError", session.ErrorCode(err))
	}
}

func TestRequestFromParentRejectsForeignReply(t *testing.T) {
	bus := host.NewBus()
	evil := bus.Endpoint(evilOrigin)
	child := bus.Endpoint(childOrigin)

	// The impostor answers credential requests it never receives; it
	// just pushes a credential at the child unprompted.
	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = evil.Post(childOrigin, host.Message{
			Type:       MessageTypeCredential,
			Credential: map[string]any{"token": "poisoned", "server": "https://evil.example.com"},
		})
		close(done)
	}()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	_, err := RequestFromParent(ctx, parentOrigin, child, Options{})
	<-done
	if session.ErrorCode(err) != session.ErrorCodeRelayRejected {
		t.Fatalf("ErrorCode = %q, want %q (err: %v)", session.ErrorCode(err), session.ErrorCodeRelayRejected, err)
	}
}

func TestRequestFromParentHonorsContext(t *testing.T) {
	bus := host.NewBus()
	child := bus.Endpoint(childOrigin)

	// Nobody is listening on the parent origin.
	ctx, ctxCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer ctxCancel()
	_, err := RequestFromParent(ctx, parentOrigin, child, Options{})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestRelayCancelStopsServing(t *testing.T) {
	bus := host.NewBus()
	parent := bus.Endpoint(parentOrigin)
	child := bus.Endpoint(childOrigin)

	cancel := Enable(liveSession(t), []string{childOrigin}, parent, Options{})
	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer ctxCancel()
	_, err := RequestFromParent(ctx, parentOrigin, child, Options{})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want context.DeadlineExceeded after cancel", err)
	}
}
