package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

var ErrTicketNotFound = errors.New("ticket not found")

type DB struct {
	Bun *bun.DB
}

func (d *DB) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) GetTicketsByPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := d.Bun.NewSelect().
		Model(&tickets).
		Where("purchase_id = ?", purchaseID).
		Order("line_index ASC", "seq ASC").
		Scan(ctx)
	return tickets, err
}

func (d *DB) CountTicketsByPurchase(ctx context.Context, purchaseID string) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("purchase_id = ?", purchaseID).
		Count(ctx)
}

// InsertTickets writes the batch, skipping slots that already hold a ticket.
// It returns how many rows were actually inserted.
func (d *DB) InsertTickets(ctx context.Context, tickets []models.Ticket) (int64, error) {
	if len(tickets) == 0 {
		return 0, nil
	}
	res, err := d.Bun.NewInsert().
		Model(&tickets).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CheckIn moves a confirmed ticket to checked_in. False means the ticket was
// not in the confirmed state.
func (d *DB) CheckIn(ctx context.Context, id, operatorID string, at time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketCheckedIn).
		Set("checked_in_at = ?", at).
		Set("checked_in_by = ?", operatorID).
		Where("id = ?", id).
		Where("status = ?", models.TicketConfirmed).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (d *DB) UpdateSecurityHash(ctx context.Context, id, hash string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("security_hash = ?", hash).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// CancelTicketsByPurchase soft-voids every ticket that was not used yet.
func (d *DB) CancelTicketsByPurchase(ctx context.Context, purchaseID string, at time.Time) (int64, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketCancelled).
		Set("cancelled_at = ?", at).
		Where("purchase_id = ?", purchaseID).
		Where("status = ?", models.TicketConfirmed).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
