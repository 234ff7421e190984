package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/starbridge/api/internal/domain"
	pfirestore "github.com/starbridge/api/internal/platform/firestore"
	"github.com/starbridge/api/internal/repositories"
)

const fulfillmentsCollection = "fulfillments"

type batchDocument struct {
	Amount     int    `firestore:"amount"`
	TransferID string `firestore:"transferId,omitempty"`
	Status     string `firestore:"status"`
	Error      string `firestore:"error,omitempty"`
}

type fulfillmentDocument struct {
	OrderID    string          `firestore:"orderId"`
	Recipient  string          `firestore:"recipient"`
	StarsTotal int             `firestore:"starsTotal"`
	Batches    []batchDocument `firestore:"batches"`
	Status     string          `firestore:"status"`
	Notes      string          `firestore:"notes,omitempty"`
	CreatedAt  time.Time       `firestore:"createdAt"`
	UpdatedAt  time.Time       `firestore:"updatedAt"`
}

func toFulfillmentDocument(f domain.Fulfillment) fulfillmentDocument {
	doc := fulfillmentDocument{
		OrderID:    f.OrderID,
		Recipient:  f.Recipient,
		StarsTotal: f.StarsTotal,
		Status:     string(f.Status),
		Notes:      f.Notes,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
	for _, b := range f.Batches {
		doc.Batches = append(doc.Batches, batchDocument{
			Amount:     b.Amount,
			TransferID: b.TransferID,
			Status:     string(b.Status),
			Error:      b.Error,
		})
	}
	return doc
}

func (d fulfillmentDocument) toFulfillment(id string) domain.Fulfillment {
	f := domain.Fulfillment{
		ID:         id,
		OrderID:    d.OrderID,
		Recipient:  d.Recipient,
		StarsTotal: d.StarsTotal,
		Status:     domain.FulfillmentStatus(d.Status),
		Notes:      d.Notes,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	for _, b := range d.Batches {
		f.Batches = append(f.Batches, domain.Batch{
			Amount:     b.Amount,
			TransferID: b.TransferID,
			Status:     domain.BatchStatus(b.Status),
			Error:      b.Error,
		})
	}
	return f
}

// FulfillmentRepository implements repositories.FulfillmentRepository on
// Firestore.
type FulfillmentRepository struct {
	provider *pfirestore.Provider
}

// NewFulfillmentRepository constructs the repository.
func NewFulfillmentRepository(provider *pfirestore.Provider) (*FulfillmentRepository, error) {
	if provider == nil {
		return nil, errors.New("fulfillment repository: firestore provider is required")
	}
	return &FulfillmentRepository{provider: provider}, nil
}

// Create writes a new fulfillment document; an existing id is a conflict.
func (r *FulfillmentRepository) Create(ctx context.Context, fulfillment domain.Fulfillment) error {
	id := strings.TrimSpace(fulfillment.ID)
	if id == "" {
		return errors.New("fulfillment repository: fulfillment id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(fulfillmentsCollection).Doc(id).Create(ctx, toFulfillmentDocument(fulfillment))
	return pfirestore.WrapError("fulfillments.create", err)
}

// Update overwrites the fulfillment with its post-aggregation state.
func (r *FulfillmentRepository) Update(ctx context.Context, fulfillment domain.Fulfillment) error {
	id := strings.TrimSpace(fulfillment.ID)
	if id == "" {
		return errors.New("fulfillment repository: fulfillment id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(fulfillmentsCollection).Doc(id).Set(ctx, toFulfillmentDocument(fulfillment))
	return pfirestore.WrapError("fulfillments.update", err)
}

// FindByOrder returns the most recent fulfillment for the order.
func (r *FulfillmentRepository) FindByOrder(ctx context.Context, orderID string) (domain.Fulfillment, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Fulfillment{}, errors.New("fulfillment repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Fulfillment{}, err
	}

	iter := client.Collection(fulfillmentsCollection).
		Where("orderId", "==", id).
		OrderBy("createdAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Fulfillment{}, repositories.NewNotFound("fulfillments.find_by_order", "no fulfillment for order "+id)
	}
	if err != nil {
		return domain.Fulfillment{}, pfirestore.WrapError("fulfillments.find_by_order", err)
	}

	var doc fulfillmentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Fulfillment{}, pfirestore.WrapError("fulfillments.find_by_order", err)
	}
	return doc.toFulfillment(snap.Ref.ID), nil
}
