package validation

import (
	"testing"

	"ms-fulfillment/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contact struct {
	Name  string `json:"name" validate:"notblank"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,phone"`
	Site  string `json:"site,omitempty" validate:"omitempty,http_url"`
}

func TestStructReportsFirstFieldWithPrefix(t *testing.T) {
	cases := []struct {
		name  string
		in    contact
		field string
	}{
		{"blank name", contact{Name: "   ", Email: "a@example.com"}, "buyer.name"},
		{"bad email", contact{Name: "Ada", Email: "nope"}, "buyer.email"},
		{"bad phone", contact{Name: "Ada", Email: "a@example.com", Phone: "call me"}, "buyer.phone"},
		{"short phone", contact{Name: "Ada", Email: "a@example.com", Phone: "+12"}, "buyer.phone"},
		{"relative url", contact{Name: "Ada", Email: "a@example.com", Site: "/home"}, "buyer.site"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Struct("buyer", tc.in)
			appErr, ok := apperrors.As(err)
			require.True(t, ok, "expected app error, got %v", err)
			assert.Equal(t, apperrors.CodeValidation, appErr.Code)
			assert.Equal(t, tc.field, appErr.Field)
			assert.NotEmpty(t, appErr.Message)
		})
	}
}

func TestStructAcceptsValidInput(t *testing.T) {
	assert.NoError(t, Struct("buyer", contact{Name: "Ada", Email: "ada@example.com", Phone: "+44 (20) 7946-0958", Site: "https://example.com"}))
	assert.NoError(t, Struct("", &contact{Name: "Ada", Email: "ada@example.com"}))
}

func TestFieldPathWithoutPrefix(t *testing.T) {
	assert.Equal(t, "email", fieldPath("", "contact.email"))
	assert.Equal(t, "method.card.instrument_token", fieldPath("method.card", "CardMethod.instrument_token"))
}
