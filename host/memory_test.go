package host

import "testing"

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()

	if _, ok := s.Get("missing"); ok {
		t.Error("Get on an empty store should report absence")
	}

	s.Set("k", "v")
	if v, ok := s.Get("k"); !ok || v != "v" {
		t.Errorf("Get(k) = %q, %v; want v, true", v, ok)
	}

	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Error("Get after Delete should report absence")
	}
}

func TestBusDeliversOnlyToTargetOrigin(t *testing.T) {
	bus := NewBus()
	app := bus.Endpoint("https://app.example.com")
	other := bus.Endpoint("https://other.example.com")
	sender := bus.Endpoint("https://sender.example.com")

	var appGot, otherGot []Message
	app.Subscribe(func(in Incoming) { appGot = append(appGot, in.Message) })
	other.Subscribe(func(in Incoming) { otherGot = append(otherGot, in.Message) })

	if err := sender.Post("https://app.example.com", Message{Type: "ping"}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if len(appGot) != 1 {
		t.Fatalf("app received %d messages, want 1", len(appGot))
	}
	if len(otherGot) != 0 {
		t.Errorf("other origin received %d messages, want 0", len(otherGot))
	}
}

func TestBusStampsSenderOrigin(t *testing.T) {
	bus := NewBus()
	app := bus.Endpoint("https://app.example.com")
	sender := bus.Endpoint("https://sender.example.com")

	var got Message
	app.Subscribe(func(in Incoming) { got = in.Message })

	// A forged Origin on the outgoing message must be overwritten.
	_ = sender.Post("https://app.example.com", Message{Type: "ping", Origin: "https://evil.example.com"})

	if got.Origin != "https://sender.example.com" {
		t.Errorf("delivered origin = %q, want the transport-observed sender origin", got.Origin)
	}
}

func TestBusReplyReachesSource(t *testing.T) {
	bus := NewBus()
	parent := bus.Endpoint("https://parent.example.com")
	child := bus.Endpoint("https://child.example.com")

	parent.Subscribe(func(in Incoming) {
		if in.Type == "ping" {
			_ = in.Reply(Message{Type: "pong"})
		}
	})

	var childGot []Message
	child.Subscribe(func(in Incoming) { childGot = append(childGot, in.Message) })

	_ = child.Post("https://parent.example.com", Message{Type: "ping"})

	if len(childGot) != 1 || childGot[0].Type != "pong" {
		t.Fatalf("child received %v, want a single pong", childGot)
	}
	if childGot[0].Origin != "https://parent.example.com" {
		t.Errorf("reply origin = %q, want the parent origin", childGot[0].Origin)
	}
}

func TestSubscribeCancel(t *testing.T) {
	bus := NewBus()
	app := bus.Endpoint("https://app.example.com")
	sender := bus.Endpoint("https://sender.example.com")

	var count int
	cancel := app.Subscribe(func(in Incoming) { count++ })

	_ = sender.Post("https://app.example.com", Message{Type: "ping"})
	cancel()
	_ = sender.Post("https://app.example.com", Message{Type: "ping"})

	if count != 1 {
		t.Errorf("handler ran %d times, want 1 (cancel should detach it)", count)
	}
}

func TestMemoryEnvironment(t *testing.T) {
	bus := NewBus()
	env := NewMemoryEnvironment("https://app.example.com", "https://app.example.com/map", bus.Endpoint("https://app.example.com"))

	if env.Origin() != "https://app.example.com" {
		t.Errorf("Origin = %q", env.Origin())
	}
	if env.LocationURL() != "https://app.example.com/map" {
		t.Errorf("LocationURL = %q", env.LocationURL())
	}

	if err := env.Navigate("https://portal.example.com/oauth2/authorize"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if env.LocationURL() != "https://portal.example.com/oauth2/authorize" {
		t.Error("Navigate should update the location")
	}

	popup, err := env.OpenContext("https://portal.example.com/oauth2/authorize?popup=1")
	if err != nil {
		t.Fatalf("OpenContext: %v", err)
	}
	if err := popup.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := env.OpenedURLs(); len(got) != 1 {
		t.Errorf("OpenedURLs = %v, want one entry", got)
	}

	if env.Closed() {
		t.Error("Closed should be false before CloseSelf")
	}
	if err := env.CloseSelf(); err != nil {
		t.Fatalf("CloseSelf: %v", err)
	}
	if !env.Closed() {
		t.Error("Closed should be true after CloseSelf")
	}
	if err := env.CloseSelf(); err == nil {
		t.Error("second CloseSelf should fail")
	}
}
