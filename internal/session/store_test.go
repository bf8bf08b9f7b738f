package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/genselfie/api/internal/model"
)

func TestPutAndTakeOnce(t *testing.T) {
	store := NewMemoryStore(time.Minute, time.Minute)
	defer store.Stop()

	id, err := store.Put(context.Background(), &model.PendingSession{
		SourceImageRef: "https://img.test/fan.png",
		PresetID:       "default",
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session id")
	}

	sess, ok := store.TakeOnce(context.Background(), id)
	if !ok {
		t.Fatal("expected to take the session")
	}
	if sess.SourceImageRef != "https://img.test/fan.png" {
		t.Fatalf("unexpected session payload: %+v", sess)
	}

	if _, ok := store.TakeOnce(context.Background(), id); ok {
		t.Fatal("second take must fail")
	}
}

func TestTakeOnceUnknownID(t *testing.T) {
	store := NewMemoryStore(time.Minute, time.Minute)
	defer store.Stop()

	if _, ok := store.TakeOnce(context.Background(), "missing"); ok {
		t.Fatal("unknown id must not yield a session")
	}
}

func TestTakeOnceSingleWinner(t *testing.T) {
	store := NewMemoryStore(time.Minute, time.Minute)
	defer store.Stop()

	id, err := store.Put(context.Background(), &model.PendingSession{PresetID: "default"})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := store.TakeOnce(context.Background(), id); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestExpiryEnforcedOnRead(t *testing.T) {
	// Long sweep interval so only the read-side check can expire it.
	store := NewMemoryStore(10*time.Millisecond, time.Hour)
	defer store.Stop()

	id, err := store.Put(context.Background(), &model.PendingSession{PresetID: "default"})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := store.TakeOnce(context.Background(), id); ok {
		t.Fatal("expired session must not be taken")
	}
}
