package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/starbridge/api/internal/domain"
	pfirestore "github.com/starbridge/api/internal/platform/firestore"
)

const ordersCollection = "orders"

type orderDocument struct {
	OfferID         string    `firestore:"offerId"`
	Quantity        int       `firestore:"quantity"`
	BuyerUsername   string    `firestore:"buyerUsername"`
	BuyerLogin      string    `firestore:"buyerLogin"`
	TotalPrice      int64     `firestore:"totalPrice"`
	Currency        string    `firestore:"currency"`
	Status          string    `firestore:"status"`
	RecipientHandle string    `firestore:"recipientHandle"`
	StarsTotal      int       `firestore:"starsTotal"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func toOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OfferID:         order.OfferID,
		Quantity:        order.Quantity,
		BuyerUsername:   order.BuyerUsername,
		BuyerLogin:      order.BuyerLogin,
		TotalPrice:      order.TotalPrice,
		Currency:        order.Currency,
		Status:          string(order.Status),
		RecipientHandle: order.RecipientHandle,
		StarsTotal:      order.StarsTotal,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func (d orderDocument) toOrder(id string) domain.Order {
	return domain.Order{
		ID:              id,
		OfferID:         d.OfferID,
		Quantity:        d.Quantity,
		BuyerUsername:   d.BuyerUsername,
		BuyerLogin:      d.BuyerLogin,
		TotalPrice:      d.TotalPrice,
		Currency:        d.Currency,
		Status:          domain.OrderStatus(d.Status),
		RecipientHandle: d.RecipientHandle,
		StarsTotal:      d.StarsTotal,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// OrderRepository implements repositories.OrderRepository on Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{provider: provider}, nil
}

// Save upserts the full order document.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(ordersCollection).Doc(id).Set(ctx, toOrderDocument(order))
	return pfirestore.WrapError("orders.save", err)
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(ordersCollection).Doc(id).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}

	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return doc.toOrder(snap.Ref.ID), nil
}

// UpdateStatus performs a partial update of status and updatedAt.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(ordersCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "updatedAt", Value: updatedAt.UTC()},
	})
	return pfirestore.WrapError("orders.update_status", err)
}
