package session

import (
	"context"
	"testing"
	"time"

	"github.com/arcgis-community/portal-session/internal/testutil"
)

func TestGetTokenFederatedServer(t *testing.T) {
	portal := testutil.NewFakePortal()
	defer portal.Close()
	portal.Token = "server-scoped-token"

	server := testutil.NewFakeArcGISServer()
	defer server.Close()
	server.OwningSystemURL = portal.Server.URL

	s, err := New(Options{
		Portal:      portal.URL(),
		Token:       "live-portal-token",
		TokenExpiry: time.Now().Add(1 * time.Hour),
		Username:    "c@sey",
		Password:    "123456",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, token, "server-scoped-token")
	if server.InfoCalls() != 1 {
		t.Errorf("rest/info probes = %d, want 1", server.InfoCalls())
	}
	// With a live portal token the grant is a token exchange, not a
	// credential grant, and must not disturb the portal token.
	testutil.AssertEqual(t, s.Token(), "live-portal-token")
}

func TestGetTokenFederatedServerCachesTrust(t *testing.T) {
	portal := testutil.NewFakePortal()
	defer portal.Close()
	portal.Token = "server-scoped-token"

	server := testutil.NewFakeArcGISServer()
	defer server.Close()
	server.OwningSystemURL = portal.Server.URL

	s, err := New(Options{
		Portal:      portal.URL(),
		Token:       "live-portal-token",
		TokenExpiry: time.Now().Add(1 * time.Hour),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	testutil.AssertNoError(t, err)

	// A second URL under the same server root reuses the trust entry.
	second, err := s.GetToken(context.Background(), server.ServiceURL("Parcels/MapServer"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, first, second)
	if server.InfoCalls() != 1 {
		t.Errorf("rest/info probes = %d, want 1 (trust is cached per server root)", server.InfoCalls())
	}
}

func TestGetTokenForeignServerRejected(t *testing.T) {
	portal := testutil.NewFakePortal()
	defer portal.Close()

	server := testutil.NewFakeArcGISServer()
	defer server.Close()
	server.OwningSystemURL = "https://other-portal.example.com/portal"

	s, err := New(Options{
		Portal:      portal.URL(),
		Token:       "live-portal-token",
		TokenExpiry: time.Now().Add(1 * time.Hour),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	if ErrorCode(err) != ErrorCodeNotFederated {
		t.Fatalf("ErrorCode = %q, want %q (err: %v)", ErrorCode(err), ErrorCodeNotFederated, err)
	}

	// Rejections are not cached; the next attempt probes again.
	_, err = s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	if ErrorCode(err) != ErrorCodeNotFederated {
		t.Fatalf("ErrorCode = %q, want %q", ErrorCode(err), ErrorCodeNotFederated)
	}
	if server.InfoCalls() != 2 {
		t.Errorf("rest/info probes = %d, want 2", server.InfoCalls())
	}
}

func TestGetTokenUnfederatedServerRejected(t *testing.T) {
	portal := testutil.NewFakePortal()
	defer portal.Close()

	server := testutil.NewFakeArcGISServer()
	defer server.Close()
	// No owning system and not pre-trusted.
	server.TokenServicesURL = server.Root() + "/tokens/generateToken"

	s, err := New(Options{
		Portal:      portal.URL(),
		Token:       "live-portal-token",
		TokenExpiry: time.Now().Add(1 * time.Hour),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	if ErrorCode(err) != ErrorCodeNotFederated {
		t.Errorf("ErrorCode = %q, want %q (err: %v)", ErrorCode(err), ErrorCodeNotFederated, err)
	}
}

func TestGetTokenExplicitlyTrustedServer(t *testing.T) {
	portal := testutil.NewFakePortal()
	defer portal.Close()

	server := testutil.NewFakeArcGISServer()
	defer server.Close()
	server.TokenServicesURL = server.Root() + "/tokens/generateToken"
	server.Token = "standalone-token"

	s, err := New(Options{
		Portal:   portal.URL(),
		Server:   server.Root(),
		Username: "c@sey",
		Password: "123456",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, token, "standalone-token")
	if server.TokenCalls() != 1 {
		t.Errorf("standalone token service calls = %d, want 1", server.TokenCalls())
	}
	if portal.GenerateTokenCalls() != 0 {
		t.Error("a pre-trusted stand-alone server must not involve the portal")
	}
}

func TestGetTokenPasswordSessionWithoutPortalToken(t *testing.T) {
	portal := testutil.NewFakePortal()
	defer portal.Close()
	portal.Token = "credential-granted-token"

	server := testutil.NewFakeArcGISServer()
	defer server.Close()
	server.OwningSystemURL = portal.Server.URL

	s, err := New(Options{
		Portal:   portal.URL(),
		Username: "c@sey",
		Password: "123456",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := s.GetToken(context.Background(), server.ServiceURL("Trees/FeatureServer/0"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, token, "credential-granted-token")
	// A credential grant also refreshes the session's own token.
	testutil.AssertEqual(t, s.Token(), "credential-granted-token")
}

func TestServerRootURL(t *testing.T) {
	got := ServerRootURL("https://GIS.city.gov/arcgis/rest/services/Trees/FeatureServer/0?f=json")
	want := "https://gis.city.gov/arcgis"
	if got != want {
		t.Errorf("ServerRootURL = %q, want %q", got, want)
	}
}
