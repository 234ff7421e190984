package locks

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryRegistrySingleHolder(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	acquired, release, err := reg.TryAcquire(ctx, "A1")
	if err != nil || !acquired {
		t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
	}

	again, rel2, err := reg.TryAcquire(ctx, "A1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if again || rel2 != nil {
		t.Fatal("second acquire should be refused while held")
	}

	other, relOther, err := reg.TryAcquire(ctx, "A2")
	if err != nil || !other {
		t.Fatalf("different key should acquire: acquired=%v err=%v", other, err)
	}
	relOther()

	release()
	if reg.Len() != 0 {
		t.Fatalf("registry not empty after release: %d", reg.Len())
	}

	reacquired, rel3, err := reg.TryAcquire(ctx, "A1")
	if err != nil || !reacquired {
		t.Fatalf("reacquire after release: acquired=%v err=%v", reacquired, err)
	}
	rel3()
}

func TestMemoryRegistryReleaseIdempotent(t *testing.T) {
	reg := NewMemoryRegistry()
	_, release, err := reg.TryAcquire(context.Background(), "A1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	release()
	release() // second call must not panic or free someone else's slot

	acquired, rel, err := reg.TryAcquire(context.Background(), "A1")
	if err != nil || !acquired {
		t.Fatalf("reacquire: acquired=%v err=%v", acquired, err)
	}
	release() // stale release from the first holder
	if !reg.Held("A1") {
		t.Fatal("stale release freed the new holder's slot")
	}
	rel()
}

func TestMemoryRegistryConcurrentAcquire(t *testing.T) {
	reg := NewMemoryRegistry()
	const goroutines = 32

	var wg sync.WaitGroup
	wins := make(chan func(), goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, release, err := reg.TryAcquire(context.Background(), "A1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if acquired {
				wins <- release
			}
		}()
	}
	wg.Wait()
	close(wins)

	var releases []func()
	for rel := range wins {
		releases = append(releases, rel)
	}
	if len(releases) != 1 {
		t.Fatalf("%d concurrent winners, want exactly 1", len(releases))
	}
	releases[0]()
	if reg.Len() != 0 {
		t.Fatalf("registry not empty after all releases: %d", reg.Len())
	}
}
