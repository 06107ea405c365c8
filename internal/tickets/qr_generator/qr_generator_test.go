package qr

import (
	"bytes"
	"testing"

	"ms-fulfillment/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTicket(gen *QRGenerator) models.Ticket {
	t := models.Ticket{ID: "tk-1", TicketNumber: "TKT-0001", PurchaseID: "p-1"}
	t.SecurityHash = gen.SecurityHash(t.ID, t.TicketNumber, t.PurchaseID)
	return t
}

func TestSecurityHashIsDeterministic(t *testing.T) {
	gen := NewQRGenerator("secret")
	a := gen.SecurityHash("tk-1", "TKT-0001", "p-1")
	b := gen.SecurityHash("tk-1", "TKT-0001", "p-1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other := NewQRGenerator("other-secret")
	assert.NotEqual(t, a, other.SecurityHash("tk-1", "TKT-0001", "p-1"))
}

func TestVerifyRejectsForgedCodes(t *testing.T) {
	gen := NewQRGenerator("secret")
	ticket := sampleTicket(gen)

	assert.True(t, gen.Verify(ticket, ticket.SecurityHash))
	assert.False(t, gen.Verify(ticket, "deadbeef"))

	forged := ticket
	forged.TicketNumber = "TKT-0002"
	assert.False(t, gen.Verify(forged, ticket.SecurityHash))
}

func TestPayloadRoundTrip(t *testing.T) {
	gen := NewQRGenerator("secret")
	ticket := sampleTicket(gen)

	code, err := ParsePayload(Payload(ticket))
	require.NoError(t, err)
	assert.Equal(t, ticket.TicketNumber, code.TicketNumber)
	assert.Equal(t, ticket.SecurityHash, code.SecurityHash)

	_, err = ParsePayload("no-separator")
	assert.ErrorIs(t, err, ErrMalformedCode)
	_, err = ParsePayload("TKT-1.")
	assert.ErrorIs(t, err, ErrMalformedCode)
}

func TestGenerateQRProducesPNG(t *testing.T) {
	gen := NewQRGenerator("secret")
	ticket := sampleTicket(gen)

	png, err := gen.GenerateQR(ticket)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = gen.GenerateQR(models.Ticket{ID: "unsigned"})
	assert.Error(t, err)
}
