package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
)

func testFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// uniqueRoomID returns a unique room ID for test isolation.
func uniqueRoomID(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestFirestoreStore_Contract(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client)
	roomID := uniqueRoomID(t)
	t.Cleanup(func() { s.Delete(context.Background(), roomID) })

	testSnapshotStore(t, s, roomID)
}

func TestFirestoreStore_DeleteMissing(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client)
	if err := s.Delete(context.Background(), "nonexistent-room-xyz"); err != nil {
		t.Errorf("Delete of missing room: %v", err)
	}
}
