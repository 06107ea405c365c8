package qr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"ms-fulfillment/internal/models"

	"github.com/skip2/go-qrcode"
)

var ErrMalformedCode = errors.New("malformed ticket code")

// QRGenerator signs tickets with a server-side secret and renders the signed
// code as a QR image. The same inputs always give the same hash.
type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

func (q *QRGenerator) SecurityHash(ticketID, ticketNumber, purchaseID string) string {
	mac := hmac.New(sha256.New, q.secret)
	mac.Write([]byte(ticketID + "|" + ticketNumber + "|" + purchaseID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented hash against the ticket in constant time.
func (q *QRGenerator) Verify(ticket models.Ticket, presentedHash string) bool {
	want := q.SecurityHash(ticket.ID, ticket.TicketNumber, ticket.PurchaseID)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(presentedHash)))
}

// Payload is the string encoded in the QR: "<ticketNumber>.<securityHash>".
func Payload(ticket models.Ticket) string {
	return ticket.TicketNumber + "." + ticket.SecurityHash
}

func ParsePayload(payload string) (models.TicketCode, error) {
	i := strings.LastIndex(payload, ".")
	if i <= 0 || i == len(payload)-1 {
		return models.TicketCode{}, ErrMalformedCode
	}
	return models.TicketCode{TicketNumber: payload[:i], SecurityHash: payload[i+1:]}, nil
}

func (q *QRGenerator) GenerateQR(ticket models.Ticket) ([]byte, error) {
	if ticket.SecurityHash == "" {
		return nil, fmt.Errorf("ticket %s has no security hash", ticket.ID)
	}
	return qrcode.Encode(Payload(ticket), qrcode.Medium, 256)
}
