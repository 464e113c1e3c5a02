package secrets

import (
	"context"
	"testing"
)

func TestGetCredentialsReturnsSeededCache(t *testing.T) {
	c, err := NewClient(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetCredentials(Credentials{APIKey: "key", SecretKey: "secret"})

	got, err := c.GetCredentials(context.Background())
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got.APIKey != "key" || got.SecretKey != "secret" {
		t.Fatalf("unexpected credentials: %+v", got)
	}
}

func TestGetCredentialsErrorsWithoutCacheOrVault(t *testing.T) {
	c, err := NewClient(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := c.GetCredentials(context.Background()); err == nil {
		t.Fatalf("expected an error with no cached credentials and vault disabled")
	}
}

func TestHealthNoopWhenDisabled(t *testing.T) {
	c, err := NewClient(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected nil health check error when vault disabled, got %v", err)
	}
}
