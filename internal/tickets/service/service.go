package tickets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ms-fulfillment/internal/apperrors"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	ticketdb "ms-fulfillment/internal/tickets/db"
	qr "ms-fulfillment/internal/tickets/qr_generator"

	"github.com/google/uuid"
)

type TicketDBLayer interface {
	GetTicketByID(ctx context.Context, id string) (*models.Ticket, error)
	GetTicketsByPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error)
	CountTicketsByPurchase(ctx context.Context, purchaseID string) (int, error)
	InsertTickets(ctx context.Context, tickets []models.Ticket) (int64, error)
	CheckIn(ctx context.Context, id, operatorID string, at time.Time) (bool, error)
	UpdateSecurityHash(ctx context.Context, id, hash string) error
	CancelTicketsByPurchase(ctx context.Context, purchaseID string, at time.Time) (int64, error)
}

// ticketNamespace seeds the name-based ticket ids. Changing it would let a
// retried issuance mint different tickets for the same slots.
var ticketNamespace = uuid.MustParse("6f1c8a52-3f0e-4d8e-9a57-0c3b1f2d9e41")

type TicketService struct {
	DB     TicketDBLayer
	QR     *qr.QRGenerator
	Logger *logger.Logger
	now    func() time.Time
}

func NewTicketService(db TicketDBLayer, generator *qr.QRGenerator, log *logger.Logger) *TicketService {
	return &TicketService{
		DB:     db,
		QR:     generator,
		Logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// TicketID is stable for a (purchase, line, seq) slot.
func TicketID(purchaseID string, lineIndex, seq int) string {
	name := purchaseID + "|" + strconv.Itoa(lineIndex) + "|" + strconv.Itoa(seq)
	return uuid.NewSHA1(ticketNamespace, []byte(name)).String()
}

// TicketNumber derives the printed number from the ticket id.
func TicketNumber(ticketID string) string {
	hexID := strings.ToUpper(strings.ReplaceAll(ticketID, "-", ""))
	return fmt.Sprintf("TKT-%s-%s-%s-%s", hexID[0:4], hexID[4:8], hexID[8:12], hexID[12:16])
}

// IssueTicketsForPurchase creates one ticket per purchased unit. Running it
// again, or concurrently, never creates extra tickets: every slot has a
// fixed id and the insert skips slots that are already filled.
func (s *TicketService) IssueTicketsForPurchase(ctx context.Context, purchase *models.Purchase) ([]models.Ticket, error) {
	want := purchase.TicketCount()

	have, err := s.DB.CountTicketsByPurchase(ctx, purchase.ID)
	if err != nil {
		return nil, fmt.Errorf("count tickets for purchase %s: %w", purchase.ID, err)
	}
	if have >= want {
		return s.DB.GetTicketsByPurchase(ctx, purchase.ID)
	}

	issuedAt := s.now()
	batch := make([]models.Ticket, 0, want)
	for lineIndex, line := range purchase.LineItems {
		for seq := 0; seq < line.Quantity; seq++ {
			id := TicketID(purchase.ID, lineIndex, seq)
			number := TicketNumber(id)
			batch = append(batch, models.Ticket{
				ID:              id,
				PurchaseID:      purchase.ID,
				LineIndex:       lineIndex,
				Seq:             seq,
				TenantID:        purchase.TenantID,
				EventID:         purchase.EventID,
				TierID:          line.TierID,
				TierName:        line.TierName,
				TicketNumber:    number,
				SecurityHash:    s.QR.SecurityHash(id, number, purchase.ID),
				Status:          models.TicketConfirmed,
				HolderName:      purchase.Buyer.Name,
				HolderEmail:     purchase.Buyer.Email,
				PriceAtPurchase: line.UnitPrice,
				IssuedAt:        issuedAt,
			})
		}
	}

	inserted, err := s.DB.InsertTickets(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("insert tickets for purchase %s: %w", purchase.ID, err)
	}

	tickets, err := s.DB.GetTicketsByPurchase(ctx, purchase.ID)
	if err != nil {
		return nil, err
	}
	if len(tickets) != want {
		return nil, fmt.Errorf("purchase %s has %d tickets, expected %d", purchase.ID, len(tickets), want)
	}

	s.Logger.Info("TICKETS", fmt.Sprintf("Issued %d new tickets for purchase %s (%d total)", inserted, purchase.ID, want))
	return tickets, nil
}

func (s *TicketService) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	ticket, err := s.DB.GetTicketByID(ctx, ticketID)
	if errors.Is(err, ticketdb.ErrTicketNotFound) {
		return nil, apperrors.NotFound("ticket", ticketID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	return ticket, nil
}

func (s *TicketService) ListByPurchase(ctx context.Context, purchaseID string) ([]models.Ticket, error) {
	tickets, err := s.DB.GetTicketsByPurchase(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("list tickets for purchase %s: %w", purchaseID, err)
	}
	return tickets, nil
}

// Artifacts renders the QR images for a set of tickets.
func (s *TicketService) Artifacts(tickets []models.Ticket) ([]models.TicketArtifacts, error) {
	out := make([]models.TicketArtifacts, 0, len(tickets))
	for _, t := range tickets {
		png, err := s.QR.GenerateQR(t)
		if err != nil {
			return nil, fmt.Errorf("render qr for ticket %s: %w", t.ID, err)
		}
		out = append(out, models.TicketArtifacts{Ticket: t, QRCode: png})
	}
	return out, nil
}

// RegenerateSecurityArtifacts recomputes the hash with the current secret and
// re-renders the QR. With an unchanged secret the result is identical.
func (s *TicketService) RegenerateSecurityArtifacts(ctx context.Context, ticketID string) (*models.TicketArtifacts, error) {
	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status == models.TicketCancelled {
		return nil, apperrors.Conflict("ticket is cancelled")
	}

	hash := s.QR.SecurityHash(ticket.ID, ticket.TicketNumber, ticket.PurchaseID)
	if hash != ticket.SecurityHash {
		if err := s.DB.UpdateSecurityHash(ctx, ticket.ID, hash); err != nil {
			return nil, fmt.Errorf("store security hash for %s: %w", ticket.ID, err)
		}
		ticket.SecurityHash = hash
		s.Logger.LogSecurity("TICKET_REKEYED", fmt.Sprintf("ticket %s security hash rotated", ticket.ID))
	}

	artifacts, err := s.Artifacts([]models.Ticket{*ticket})
	if err != nil {
		return nil, err
	}
	return &artifacts[0], nil
}

// CheckIn admits a ticket once. The presented code must carry the ticket's
// number and a hash that verifies against the server secret.
func (s *TicketService) CheckIn(ctx context.Context, ticketID, operatorID string, code models.TicketCode) (*models.Ticket, error) {
	if strings.TrimSpace(operatorID) == "" {
		return nil, apperrors.Validation("operator_id", "operator id is required")
	}
	if code.TicketNumber == "" || code.SecurityHash == "" {
		return nil, apperrors.Validation("security_hash", "ticket number and security hash are required")
	}

	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.TicketNumber != code.TicketNumber || !s.QR.Verify(*ticket, code.SecurityHash) {
		s.Logger.LogSecurity("FORGED_TICKET", fmt.Sprintf("ticket %s presented with invalid code by operator %s", ticketID, operatorID))
		return nil, apperrors.New(apperrors.CodeUnauthorized, "ticket code is not valid")
	}

	at := s.now()
	ok, err := s.DB.CheckIn(ctx, ticketID, operatorID, at)
	if err != nil {
		return nil, fmt.Errorf("check in ticket %s: %w", ticketID, err)
	}
	if !ok {
		current, err := s.GetTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case models.TicketCheckedIn:
			return nil, apperrors.Conflict(fmt.Sprintf("ticket already checked in at %s", current.CheckedInAt.Format(time.RFC3339)))
		case models.TicketCancelled:
			return nil, apperrors.Conflict("ticket is cancelled")
		default:
			return nil, apperrors.Conflict("ticket cannot be checked in from status " + string(current.Status))
		}
	}

	ticket.Status = models.TicketCheckedIn
	ticket.CheckedInAt = at
	ticket.CheckedInBy = operatorID
	s.Logger.Info("TICKETS", fmt.Sprintf("Ticket %s checked in by %s", ticketID, operatorID))
	return ticket, nil
}

// CancelTicketsForPurchase voids unused tickets. Capacity is not returned.
func (s *TicketService) CancelTicketsForPurchase(ctx context.Context, purchaseID string) (int64, error) {
	n, err := s.DB.CancelTicketsByPurchase(ctx, purchaseID, s.now())
	if err != nil {
		return 0, fmt.Errorf("cancel tickets for purchase %s: %w", purchaseID, err)
	}
	return n, nil
}
