package identity

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	"github.com/angelmondragon/packfinderz-client/pkg/auth"
	"github.com/angelmondragon/packfinderz-client/pkg/storage"
)

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.AccessTokenClaims{UserID: userID}).
		SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestObserverEmitsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	creds := credentials.NewStore(storage.NewMemory(), nil, nil)
	obs := NewObserver(creds, nil)
	defer obs.Close()

	var seen []string
	obs.Subscribe(func(id string) { seen = append(seen, id) })

	if obs.Current() != "" {
		t.Fatalf("expected no identity, got %q", obs.Current())
	}

	_ = creds.SetGuest(ctx)
	_ = creds.SetTokens(ctx, tokenFor(t, "user-1"), "refresh-1")
	// rotation for the same user is not an identity change
	_ = creds.SetTokens(ctx, tokenFor(t, "user-1"), "refresh-2")
	_ = creds.SetTokens(ctx, tokenFor(t, "user-2"), "refresh-3")
	_ = creds.Clear(ctx)

	want := []string{"user-1", "user-2", ""}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestObserverStartsFromCurrentCredentials(t *testing.T) {
	creds := credentials.NewStore(storage.NewMemory(), nil, nil)
	_ = creds.SetTokens(context.Background(), tokenFor(t, "user-7"), "r")

	obs := NewObserver(creds, nil)
	defer obs.Close()
	if obs.Current() != "user-7" {
		t.Fatalf("expected user-7, got %q", obs.Current())
	}
}

func TestUndecodableTokenMapsToUnknownUser(t *testing.T) {
	creds := credentials.NewStore(storage.NewMemory(), nil, nil)
	_ = creds.SetTokens(context.Background(), "not-a-jwt", "r")

	obs := NewObserver(creds, nil)
	defer obs.Close()
	if obs.Current() != UnknownUser {
		t.Fatalf("expected %q for a logged-in session without a user id, got %q", UnknownUser, obs.Current())
	}

	_ = creds.SetTokens(context.Background(), tokenFor(t, ""), "r")
	if obs.Current() != UnknownUser {
		t.Fatalf("token without user_id or sub should map to %q, got %q", UnknownUser, obs.Current())
	}

	_ = creds.SetGuest(context.Background())
	if obs.Current() != "" {
		t.Fatalf("guest should have no identity, got %q", obs.Current())
	}
}
