package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flaregames/flare/cache"
	"github.com/flaregames/flare/providers"
	"github.com/flaregames/flare/providers/mock"
	"github.com/flaregames/flare/storage"
	"github.com/flaregames/flare/storage/memory"
)

func newTestService(t *testing.T, p *mock.Provider) (*Service, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(func() { store.Close() })

	registry := providers.NewRegistry()
	registry.RegisterClaimedIdentity(p)
	registry.RegisterUnsupported("gog", "no public linking API")

	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}

	svc, err := NewService(registry, store, c, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, store
}

func linkAccount(t *testing.T, store *memory.Store, userID, provider string) {
	t.Helper()
	err := store.UpsertLinkedAccount(context.Background(), &storage.LinkedAccount{
		UserID:      userID,
		Provider:    provider,
		ExternalID:  "ext-1",
		AccessToken: "token-1",
		LinkedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertLinkedAccount() error = %v", err)
	}
}

func TestService_Games_FetchesAndCaches(t *testing.T) {
	fetches := 0
	p := &mock.Provider{
		NameValue: "steamish",
		FetchGamesFunc: func(_ context.Context, externalID, accessToken string) (providers.Games, error) {
			fetches++
			if externalID != "ext-1" || accessToken != "token-1" {
				t.Errorf("FetchGames(%q, %q), want (ext-1, token-1)", externalID, accessToken)
			}
			return providers.Games(`[{"appid":440,"name":"Team Fortress 2"}]`), nil
		},
	}
	svc, store := newTestService(t, p)
	linkAccount(t, store, "user-1", "steamish")
	ctx := context.Background()

	games, cached, err := svc.Games(ctx, "user-1", "steamish")
	if err != nil {
		t.Fatalf("Games() error = %v", err)
	}
	if string(games) != `[{"appid":440,"name":"Team Fortress 2"}]` {
		t.Errorf("Games() = %s", games)
	}
	if cached {
		t.Error("first read reported cached = true")
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}

	// Second read is served from cache.
	_, cached, err = svc.Games(ctx, "user-1", "steamish")
	if err != nil {
		t.Fatalf("Games() second call error = %v", err)
	}
	if !cached {
		t.Error("second read reported cached = false")
	}
	if fetches != 1 {
		t.Errorf("fetches after cached read = %d, want 1", fetches)
	}
}

func TestService_Games_NotLinked(t *testing.T) {
	svc, _ := newTestService(t, &mock.Provider{NameValue: "steamish"})

	_, _, err := svc.Games(context.Background(), "user-1", "steamish")
	if !errors.Is(err, ErrNotLinked) {
		t.Fatalf("Games() error = %v, want ErrNotLinked", err)
	}
}

func TestService_Games_BegunLinkIsNotConnected(t *testing.T) {
	fetches := 0
	p := &mock.Provider{
		NameValue: "steamish",
		FetchGamesFunc: func(context.Context, string, string) (providers.Games, error) {
			fetches++
			return providers.Games(`[]`), nil
		},
	}
	svc, store := newTestService(t, p)

	// Begin left a nonce-only row without an external ID. The platform is
	// not connected yet and the upstream API must not be called.
	if err := store.UpsertLinkNonce(context.Background(), "user-1", "steamish", "nonce-1"); err != nil {
		t.Fatalf("UpsertLinkNonce() error = %v", err)
	}

	_, _, err := svc.Games(context.Background(), "user-1", "steamish")
	if !errors.Is(err, ErrNotLinked) {
		t.Fatalf("Games() error = %v, want ErrNotLinked", err)
	}
	if fetches != 0 {
		t.Errorf("fetches = %d, want 0", fetches)
	}
}

func TestService_Games_UnsupportedProvider(t *testing.T) {
	svc, _ := newTestService(t, &mock.Provider{NameValue: "steamish"})
	ctx := context.Background()

	for _, name := range []string{"gog", "unknown"} {
		if _, _, err := svc.Games(ctx, "user-1", name); !errors.Is(err, ErrUnsupportedProvider) {
			t.Errorf("Games(%q) error = %v, want ErrUnsupportedProvider", name, err)
		}
	}
}

func TestService_Games_UpstreamFailure(t *testing.T) {
	p := &mock.Provider{
		NameValue: "steamish",
		FetchGamesFunc: func(context.Context, string, string) (providers.Games, error) {
			return nil, errors.New("api exploded")
		},
	}
	svc, store := newTestService(t, p)
	linkAccount(t, store, "user-1", "steamish")

	_, _, err := svc.Games(context.Background(), "user-1", "steamish")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Games() error = %v, want ErrUpstream", err)
	}
}

func TestService_CacheIsPerUser(t *testing.T) {
	p := &mock.Provider{
		NameValue: "steamish",
		FetchGamesFunc: func(_ context.Context, externalID, _ string) (providers.Games, error) {
			return providers.Games(`["` + externalID + `"]`), nil
		},
	}
	svc, store := newTestService(t, p)
	ctx := context.Background()

	linkAccount(t, store, "user-1", "steamish")
	if err := store.UpsertLinkedAccount(ctx, &storage.LinkedAccount{
		UserID:     "user-2",
		Provider:   "steamish",
		ExternalID: "ext-2",
		LinkedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("UpsertLinkedAccount() error = %v", err)
	}

	first, _, err := svc.Games(ctx, "user-1", "steamish")
	if err != nil {
		t.Fatalf("Games(user-1) error = %v", err)
	}
	second, _, err := svc.Games(ctx, "user-2", "steamish")
	if err != nil {
		t.Fatalf("Games(user-2) error = %v", err)
	}

	if string(first) == string(second) {
		t.Errorf("cache leaked across users: both returned %s", first)
	}
}

func TestService_Refresh_BypassesCache(t *testing.T) {
	fetches := 0
	p := &mock.Provider{
		NameValue: "steamish",
		FetchGamesFunc: func(context.Context, string, string) (providers.Games, error) {
			fetches++
			return providers.Games(`[]`), nil
		},
	}
	svc, store := newTestService(t, p)
	linkAccount(t, store, "user-1", "steamish")
	ctx := context.Background()

	if _, _, err := svc.Games(ctx, "user-1", "steamish"); err != nil {
		t.Fatalf("Games() error = %v", err)
	}
	if _, err := svc.Refresh(ctx, "user-1", "steamish"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if fetches != 2 {
		t.Fatalf("fetches = %d, want 2 (refresh must bypass cache)", fetches)
	}

	// The refreshed list replaces the cached entry.
	if _, _, err := svc.Games(ctx, "user-1", "steamish"); err != nil {
		t.Fatalf("Games() after refresh error = %v", err)
	}
	if fetches != 2 {
		t.Errorf("fetches after refresh = %d, want 2", fetches)
	}
}
