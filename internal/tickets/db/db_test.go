package db_test

import (
	"context"
	"testing"
	"time"

	"ms-fulfillment/internal/database/dbtest"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/tickets/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTicket(purchaseID string, line, seq int) models.Ticket {
	return models.Ticket{
		ID:              uuid.NewString(),
		PurchaseID:      purchaseID,
		LineIndex:       line,
		Seq:             seq,
		TenantID:        "tenant",
		EventID:         "event",
		TierID:          "tier",
		TicketNumber:    "TKT-" + uuid.NewString()[:8],
		SecurityHash:    "hash",
		Status:          models.TicketConfirmed,
		PriceAtPurchase: 1000,
		IssuedAt:        time.Now().UTC(),
	}
}

func TestInsertTicketsSkipsFilledSlots(t *testing.T) {
	ticketDB := &db.DB{Bun: dbtest.New(t)}
	ctx := context.Background()

	n, err := ticketDB.InsertTickets(ctx, []models.Ticket{newTicket("p1", 0, 0), newTicket("p1", 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Same slot with a different id and number must not create a second ticket.
	n, err = ticketDB.InsertTickets(ctx, []models.Ticket{newTicket("p1", 0, 1), newTicket("p1", 0, 2)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := ticketDB.CountTicketsByPurchase(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestGetTicketByIDNotFound(t *testing.T) {
	ticketDB := &db.DB{Bun: dbtest.New(t)}
	_, err := ticketDB.GetTicketByID(context.Background(), "nope")
	assert.ErrorIs(t, err, db.ErrTicketNotFound)
}

func TestCheckInOnlyFromConfirmed(t *testing.T) {
	ticketDB := &db.DB{Bun: dbtest.New(t)}
	ctx := context.Background()
	tk := newTicket("p1", 0, 0)
	_, err := ticketDB.InsertTickets(ctx, []models.Ticket{tk})
	require.NoError(t, err)

	ok, err := ticketDB.CheckIn(ctx, tk.ID, "op", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ticketDB.CheckIn(ctx, tk.ID, "op", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := ticketDB.GetTicketByID(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketCheckedIn, stored.Status)
	assert.Equal(t, "op", stored.CheckedInBy)
	assert.False(t, stored.CheckedInAt.IsZero())
}
