package emag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeSuccess(t *testing.T) {
	body := []byte(`{
		"isError": false,
		"messages": [],
		"results": [
			{"id": "SKU-1", "name": "Клавиатура", "sale_price": 149.99, "stock": 12,
			 "details": {"brand": "acme"}, "modified_at": "2026-03-01T10:00:00Z"}
		],
		"currentPage": 2,
		"totalPages": 5,
		"hasMore": true
	}`)

	page, apiErr := parseEnvelope(body, "seller-main")
	require.Nil(t, apiErr)

	assert.Equal(t, 2, page.CurrentPage)
	require.NotNil(t, page.TotalPages)
	assert.Equal(t, 5, *page.TotalPages)
	assert.True(t, page.HasMore)

	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, "SKU-1", rec.RemoteKey)
	assert.Equal(t, "seller-main", rec.Account, "record must be stamped with the calling account")
	assert.Equal(t, "Клавиатура", rec.Name)
	assert.Equal(t, 149.99, rec.Price)
	assert.Equal(t, 12, rec.Stock)
	assert.JSONEq(t, `{"brand": "acme"}`, string(rec.Payload))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), rec.ModifiedAt)
}

func TestParseEnvelopeNoTotalPages(t *testing.T) {
	body := []byte(`{"isError": false, "results": [], "currentPage": 1, "hasMore": false}`)

	page, apiErr := parseEnvelope(body, "seller-main")
	require.Nil(t, apiErr)
	assert.Nil(t, page.TotalPages)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.Records)
}

func TestParseEnvelopeDocumentationError(t *testing.T) {
	body := []byte(`{
		"isError": true,
		"messages": [
			{"field": "sale_price", "message": "must be positive"},
			{"message": "offer rejected"}
		]
	}`)

	page, apiErr := parseEnvelope(body, "seller-main")
	assert.Nil(t, page)
	require.NotNil(t, apiErr)
	assert.Equal(t, KindValidation, apiErr.Kind)
	assert.Equal(t, 200, apiErr.StatusCode)
	assert.Equal(t, "sale_price: must be positive; offer rejected", apiErr.Message)
	assert.False(t, apiErr.Retryable())
}

func TestParseEnvelopeErrorWithoutMessages(t *testing.T) {
	page, apiErr := parseEnvelope([]byte(`{"isError": true}`), "seller-main")
	assert.Nil(t, page)
	require.NotNil(t, apiErr)
	assert.Equal(t, "documentation error without details", apiErr.Message)
}

func TestParseEnvelopeMalformedBody(t *testing.T) {
	page, apiErr := parseEnvelope([]byte(`<html>bad gateway</html>`), "seller-main")
	assert.Nil(t, page)
	require.NotNil(t, apiErr)
	assert.Equal(t, KindServerError, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "malformed response body")
}
