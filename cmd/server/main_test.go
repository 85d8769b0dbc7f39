package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveStoreDefaultsToJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, closer, err := resolveStore(path, storeFlags{})
	if err != nil {
		t.Fatalf("resolveStore returned error: %v", err)
	}
	if store == nil {
		t.Fatal("resolveStore returned nil store")
	}
	if closer != nil {
		t.Fatal("json store should not need a closer")
	}
}

func TestResolveStorePostgresRequiresDSN(t *testing.T) {
	if _, _, err := resolveStore("", storeFlags{driver: "postgres"}); err == nil {
		t.Fatal("expected error when postgres driver has no DSN")
	}
}

func TestResolveStoreRejectsUnknownDriver(t *testing.T) {
	if _, _, err := resolveStore("", storeFlags{driver: "sqlite"}); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
}

func TestResolveSessionsDefaultsToMemory(t *testing.T) {
	sessions, closer, err := resolveSessions(time.Hour, "", "")
	if err != nil {
		t.Fatalf("resolveSessions returned error: %v", err)
	}
	if sessions == nil {
		t.Fatal("resolveSessions returned nil manager")
	}
	if closer != nil {
		t.Fatal("memory session store should not need a closer")
	}
}

func TestResolveSessionsPostgresRequiresDSN(t *testing.T) {
	if _, _, err := resolveSessions(time.Hour, "postgres", ""); err == nil {
		t.Fatal("expected error when postgres session store has no DSN")
	}
}

func TestResolveQueueDefaultsToMemory(t *testing.T) {
	queue, err := resolveQueue(queueFlags{})
	if err != nil {
		t.Fatalf("resolveQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatal("resolveQueue returned nil queue")
	}
}

func TestResolveQueueRedisRequiresAddress(t *testing.T) {
	if _, err := resolveQueue(queueFlags{driver: "redis"}); err == nil {
		t.Fatal("expected error when redis queue has no address")
	}
}

func TestResolveQueueRejectsUnknownDriver(t *testing.T) {
	if _, err := resolveQueue(queueFlags{driver: "kafka"}); err == nil {
		t.Fatal("expected error for unknown queue driver")
	}
}

func TestResolveLadder(t *testing.T) {
	heights, err := resolveLadder(" 480, 720 ,1080 ")
	if err != nil {
		t.Fatalf("resolveLadder returned error: %v", err)
	}
	want := []int{480, 720, 1080}
	if len(heights) != len(want) {
		t.Fatalf("expected %d heights, got %d", len(want), len(heights))
	}
	for i, height := range want {
		if heights[i] != height {
			t.Fatalf("expected height %d at position %d, got %d", height, i, heights[i])
		}
	}
}

func TestResolveLadderEmptyUsesDefault(t *testing.T) {
	heights, err := resolveLadder("")
	if err != nil {
		t.Fatalf("resolveLadder returned error: %v", err)
	}
	if heights != nil {
		t.Fatalf("expected nil for empty ladder, got %v", heights)
	}
}

func TestResolveLadderRejectsInvalidHeights(t *testing.T) {
	for _, raw := range []string{"480,abc", "0", "-720"} {
		if _, err := resolveLadder(raw); err == nil {
			t.Fatalf("expected error for ladder %q", raw)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("expected first non-empty value, got %q", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	values := splitAndTrim(" a ,, b ,c ")
	want := []string{"a", "b", "c"}
	if len(values) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(values))
	}
	for i, value := range want {
		if values[i] != value {
			t.Fatalf("expected %q at position %d, got %q", value, i, values[i])
		}
	}
}

func TestResolveIntEnvFallback(t *testing.T) {
	t.Setenv("REELSTREAM_TEST_INT", "7")
	if got := resolveInt(0, "REELSTREAM_TEST_INT", 3); got != 7 {
		t.Fatalf("expected env value 7, got %d", got)
	}
	if got := resolveInt(5, "REELSTREAM_TEST_INT", 3); got != 5 {
		t.Fatalf("expected flag value 5, got %d", got)
	}
	if got := resolveInt(0, "REELSTREAM_TEST_INT_MISSING", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}
}

func TestResolveDurationEnvFallback(t *testing.T) {
	t.Setenv("REELSTREAM_TEST_DURATION", "90s")
	if got := resolveDuration(0, "REELSTREAM_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("expected env value 90s, got %v", got)
	}
	if got := resolveDuration(time.Second, "REELSTREAM_TEST_DURATION", time.Minute); got != time.Second {
		t.Fatalf("expected flag value 1s, got %v", got)
	}
}

func TestResolveBoolEnvFallback(t *testing.T) {
	t.Setenv("REELSTREAM_TEST_BOOL", "true")
	if !resolveBool(false, "REELSTREAM_TEST_BOOL") {
		t.Fatal("expected env true")
	}
	t.Setenv("REELSTREAM_TEST_BOOL", "not-a-bool")
	if resolveBool(false, "REELSTREAM_TEST_BOOL") {
		t.Fatal("expected invalid env value to read as false")
	}
}

func TestSeedAdminCreatesAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, _, err := resolveStore(path, storeFlags{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seedAdmin(store, logger, seedParams{
		email:       "ops@example.com",
		password:    "correct-horse",
		displayName: "Ops",
	})

	user, err := store.AuthenticateUser("ops@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("authenticate seeded admin: %v", err)
	}
	if !user.HasRole("admin") {
		t.Fatalf("expected admin role, got %v", user.Roles)
	}

	// Re-seeding the same email must not fail or duplicate the account.
	seedAdmin(store, logger, seedParams{
		email:       "ops@example.com",
		password:    "different-password",
		displayName: "Ops",
	})
	if _, err := store.AuthenticateUser("ops@example.com", "correct-horse"); err != nil {
		t.Fatalf("original credentials should survive re-seeding: %v", err)
	}
}

func TestSeedAdminSkipsWithoutCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, _, err := resolveStore(path, storeFlags{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seedAdmin(store, logger, seedParams{email: "ops@example.com"})
	if _, err := store.AuthenticateUser("ops@example.com", ""); err == nil {
		t.Fatal("expected no account without a password")
	}
}
