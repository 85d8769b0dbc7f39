package pipeline

import (
	"context"
	"testing"
	"time"

	"reelstream/internal/testsupport/redisstub"
)

func TestMemoryLockerClaims(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	claimed, err := locker.TryLock(ctx, "claims:video:vid-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = locker.TryLock(ctx, "claims:video:vid-1", time.Minute)
	if err != nil || claimed {
		t.Fatalf("held key must refuse a second claim: claimed=%v err=%v", claimed, err)
	}
	if err := locker.Unlock(ctx, "claims:video:vid-1"); err != nil {
		t.Fatalf("Unlock returned error: %v", err)
	}
	claimed, err = locker.TryLock(ctx, "claims:video:vid-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("released key must be claimable: claimed=%v err=%v", claimed, err)
	}
}

func TestMemoryLockerClaimLapses(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	if claimed, _ := locker.TryLock(ctx, "claims:video:vid-1", 10*time.Millisecond); !claimed {
		t.Fatal("fresh key should be claimable")
	}
	time.Sleep(30 * time.Millisecond)
	if claimed, _ := locker.TryLock(ctx, "claims:video:vid-1", time.Minute); !claimed {
		t.Fatal("lapsed claim should be claimable again")
	}
}

func redisLockerPair(t *testing.T) (JobLocker, JobLocker) {
	t.Helper()
	queue := startRedisQueue(t, redisstub.Options{}, RedisQueueConfig{})
	provider, ok := queue.(interface{ JobLocker() JobLocker })
	if !ok {
		t.Fatal("redis queue must provide a JobLocker")
	}
	return provider.JobLocker(), provider.JobLocker()
}

func TestRedisLockerSerialisesHolders(t *testing.T) {
	first, second := redisLockerPair(t)
	ctx := context.Background()

	claimed, err := first.TryLock(ctx, "claims:video:vid-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = second.TryLock(ctx, "claims:video:vid-1", time.Minute)
	if err != nil || claimed {
		t.Fatalf("second holder must be refused: claimed=%v err=%v", claimed, err)
	}
	if err := first.Unlock(ctx, "claims:video:vid-1"); err != nil {
		t.Fatalf("Unlock returned error: %v", err)
	}
	claimed, err = second.TryLock(ctx, "claims:video:vid-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("released key must be claimable: claimed=%v err=%v", claimed, err)
	}
}

func TestRedisLockerUnlockOnlyReleasesOwnClaim(t *testing.T) {
	first, second := redisLockerPair(t)
	ctx := context.Background()

	if claimed, _ := first.TryLock(ctx, "claims:video:vid-1", time.Minute); !claimed {
		t.Fatal("first claim should succeed")
	}
	// The second locker never held the key, so its release is a no-op.
	if err := second.Unlock(ctx, "claims:video:vid-1"); err != nil {
		t.Fatalf("Unlock returned error: %v", err)
	}
	if claimed, _ := second.TryLock(ctx, "claims:video:vid-1", time.Minute); claimed {
		t.Fatal("foreign release must not free the holder's claim")
	}
}

func TestRedisLockerClaimLapses(t *testing.T) {
	first, second := redisLockerPair(t)
	ctx := context.Background()

	if claimed, _ := first.TryLock(ctx, "claims:video:vid-1", 50*time.Millisecond); !claimed {
		t.Fatal("first claim should succeed")
	}
	time.Sleep(120 * time.Millisecond)
	if claimed, _ := second.TryLock(ctx, "claims:video:vid-1", time.Minute); !claimed {
		t.Fatal("lapsed claim should be claimable by another holder")
	}
}
