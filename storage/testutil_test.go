package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustRecord(t *testing.T, store *Store, delivery Delivery) Delivery {
	t.Helper()

	stored, err := store.RecordDelivery(delivery)
	if err != nil {
		t.Fatalf("record delivery for %q: %v", delivery.PeerID, err)
	}
	return stored
}
