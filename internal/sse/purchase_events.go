package sse

import (
	"context"
	"sync"

	"ms-fulfillment/internal/models"
)

// PurchaseEventEmitter fans purchase status changes out to SSE clients. Clients
// subscribe either to one purchase (the buyer's page) or to a whole event
// (organizer dashboards).
type PurchaseEventEmitter struct {
	mu            sync.RWMutex
	purchaseSubs  map[string][]chan models.PurchaseUpdate
	eventSubs     map[string][]chan models.PurchaseUpdate
	bufferPerUser int
}

func NewPurchaseEventEmitter() *PurchaseEventEmitter {
	return &PurchaseEventEmitter{
		purchaseSubs:  make(map[string][]chan models.PurchaseUpdate),
		eventSubs:     make(map[string][]chan models.PurchaseUpdate),
		bufferPerUser: 10,
	}
}

// SubscribeToPurchase returns a channel closed once ctx is done.
func (e *PurchaseEventEmitter) SubscribeToPurchase(ctx context.Context, purchaseID string) <-chan models.PurchaseUpdate {
	return e.subscribe(ctx, e.purchaseSubs, purchaseID)
}

func (e *PurchaseEventEmitter) SubscribeToEvent(ctx context.Context, eventID string) <-chan models.PurchaseUpdate {
	return e.subscribe(ctx, e.eventSubs, eventID)
}

func (e *PurchaseEventEmitter) subscribe(ctx context.Context, subs map[string][]chan models.PurchaseUpdate, key string) <-chan models.PurchaseUpdate {
	ch := make(chan models.PurchaseUpdate, e.bufferPerUser)

	e.mu.Lock()
	subs[key] = append(subs[key], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(subs, key, ch)
	}()
	return ch
}

// Emit never blocks: a client whose buffer is full misses the update.
func (e *PurchaseEventEmitter) Emit(update models.PurchaseUpdate) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.purchaseSubs[update.PurchaseID] {
		select {
		case ch <- update:
		default:
		}
	}
	for _, ch := range e.eventSubs[update.EventID] {
		select {
		case ch <- update:
		default:
		}
	}
}

func (e *PurchaseEventEmitter) remove(subs map[string][]chan models.PurchaseUpdate, key string, ch chan models.PurchaseUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := subs[key]
	for i, c := range clients {
		if c == ch {
			subs[key] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(subs[key]) == 0 {
		delete(subs, key)
	}
}

func (e *PurchaseEventEmitter) PurchaseClientCount(purchaseID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.purchaseSubs[purchaseID])
}

func (e *PurchaseEventEmitter) EventClientCount(eventID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.eventSubs[eventID])
}
