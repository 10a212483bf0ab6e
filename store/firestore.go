package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of SnapshotStore.
// Items and pending ops are stored as JSON strings because Firestore does
// not allow arrays nested directly in arrays.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "rooms",
	}
}

func (s *FirestoreStore) docRef(roomID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(roomID)
}

func (s *FirestoreStore) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	snap, err := s.docRef(roomID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return documentToSnapshot(roomID, snap)
}

func documentToSnapshot(roomID string, doc *firestore.DocumentSnapshot) (*Snapshot, error) {
	data := doc.Data()
	items, _ := data["items"].(string)
	pending, _ := data["pending"].(string)
	actor, _ := data["actor"].(int64)
	seq, _ := data["seq"].(int64)
	updatedAt, _ := data["updatedAt"].(time.Time)

	snap := &Snapshot{
		RoomID:    roomID,
		Actor:     int(actor),
		Seq:       int(seq),
		UpdatedAt: updatedAt,
	}
	if items != "" {
		if err := json.Unmarshal([]byte(items), &snap.Items); err != nil {
			return nil, fmt.Errorf("room %q: decode items: %w", roomID, err)
		}
	}
	if pending != "" {
		if err := json.Unmarshal([]byte(pending), &snap.Pending); err != nil {
			return nil, fmt.Errorf("room %q: decode pending ops: %w", roomID, err)
		}
	}
	return snap, nil
}

func (s *FirestoreStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.RoomID == "" {
		return fmt.Errorf("save snapshot: empty room id")
	}
	items, err := json.Marshal(nonNil(snap.Items))
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	pending, err := json.Marshal(nonNil(snap.Pending))
	if err != nil {
		return fmt.Errorf("encode pending ops: %w", err)
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.docRef(snap.RoomID).Set(ctx, map[string]interface{}{
		"items":     string(items),
		"pending":   string(pending),
		"actor":     snap.Actor,
		"seq":       snap.Seq,
		"updatedAt": updatedAt,
	})
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, roomID string) error {
	_, err := s.docRef(roomID).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

func (s *FirestoreStore) List(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, doc.Ref.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
