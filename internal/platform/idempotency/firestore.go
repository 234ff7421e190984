package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	platformfs "github.com/starbridge/api/internal/platform/firestore"
)

const defaultCollection = "idempotency_keys"

// FirestoreStore persists reservations in a Firestore collection so replays
// survive restarts and are shared across replicas.
type FirestoreStore struct {
	provider   *platformfs.Provider
	collection string
}

// FirestoreOption customises the store.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the backing collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// NewFirestoreStore constructs a store over the shared provider.
func NewFirestoreStore(provider *platformfs.Provider, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		provider:   provider,
		collection: defaultCollection,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

type storedRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func (r storedRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

// Reserve implements Store. The pending record is written transactionally so
// concurrent requests observe exactly one StateNew outcome.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return Reservation{}, err
	}
	ref := client.Collection(s.collection).Doc(recordID(key))

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		fresh := storedRecord{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      string(StatusPending),
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		if err != nil { // not found
			if err := tx.Set(ref, fresh); err != nil {
				return err
			}
			result = Reservation{State: StateNew, Record: fresh.toRecord()}
			return nil
		}

		var record storedRecord
		if err := snap.DataTo(&record); err != nil {
			return err
		}
		if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		if expired(record.toRecord(), now) {
			if err := tx.Set(ref, fresh); err != nil {
				return err
			}
			result = Reservation{State: StateNew, Record: fresh.toRecord()}
			return nil
		}
		if record.Status == string(StatusCompleted) {
			result = Reservation{State: StateCompleted, Record: record.toRecord()}
			return nil
		}
		result = Reservation{State: StatePending, Record: record.toRecord()}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(s.collection).Doc(recordID(key))

	headers := sanitizeHeaders(resp.Headers)
	body := append([]byte(nil), resp.Body...)

	return s.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var record storedRecord
		switch {
		case err != nil && status.Code(err) == codes.NotFound:
			record = storedRecord{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&record); err != nil {
				return err
			}
			if record.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			if record.CreatedAt.IsZero() {
				record.CreatedAt = now
			}
		}

		record.Status = string(StatusCompleted)
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = headers
		record.ResponseBody = body
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, record)
	})
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(s.collection).Doc(recordID(key)).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired implements Store. Called periodically from the server's
// background ticker.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}

	docs, err := client.Collection(s.collection).
		Where("expires_at", "<=", now).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}
