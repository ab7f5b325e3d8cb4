package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeDetectsDirective(t *testing.T) {
	response := `{"action":"crm_ticket","subject":"Broken pump","message":"Customer reports a leak","contact":"sam@example.com"}
I have created a support ticket for you.`

	envelope, rest := ParseEnvelope(response)
	require.NotNil(t, envelope)
	assert.Equal(t, KindCRMTicket, envelope.Action)
	assert.Equal(t, "Broken pump", envelope.Subject)
	assert.Equal(t, "I have created a support ticket for you.", rest)
}

func TestParseEnvelopePlainTextPassesThrough(t *testing.T) {
	response := "The store opens at 9am."
	envelope, rest := ParseEnvelope(response)
	assert.Nil(t, envelope)
	assert.Equal(t, response, rest)
}

func TestParseEnvelopeRejectsUnknownAction(t *testing.T) {
	response := `{"action":"rm_rf","message":"x"}
text`
	envelope, rest := ParseEnvelope(response)
	assert.Nil(t, envelope)
	assert.Equal(t, response, rest)
}

func TestParseEnvelopeRejectsExtraProperties(t *testing.T) {
	response := `{"action":"email","message":"hi","evil":"payload"}`
	envelope, _ := ParseEnvelope(response)
	assert.Nil(t, envelope)
}

func TestParseEnvelopeJSONLookingTextIsNotAnAction(t *testing.T) {
	response := `{"action": "email" this is not valid json`
	envelope, rest := ParseEnvelope(response)
	assert.Nil(t, envelope)
	assert.Equal(t, response, rest)
}

func TestParseEnvelopeWithoutBodyText(t *testing.T) {
	envelope, rest := ParseEnvelope(`{"action":"email","subject":"s","message":"m"}`)
	require.NotNil(t, envelope)
	assert.Equal(t, KindEmail, envelope.Action)
	assert.Empty(t, rest)
}
