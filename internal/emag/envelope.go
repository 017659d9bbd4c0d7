package emag

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
)

// envelope - конверт ответа API eMAG. Признак ошибки и сообщения валидации
// приходят в теле даже при HTTP 200: транспорт принял запрос, но
// бизнес-валидация его отвергла (документационная ошибка).
type envelope struct {
	IsError  bool              `json:"isError"`
	Messages []envelopeMessage `json:"messages"`
	Results  []remoteRecordDTO `json:"results"`

	CurrentPage int  `json:"currentPage"`
	TotalPages  *int `json:"totalPages,omitempty"`
	HasMore     bool `json:"hasMore"`
}

type envelopeMessage struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// remoteRecordDTO - запись в том виде, в каком её отдает eMAG
type remoteRecordDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SalePrice  float64         `json:"sale_price"`
	Stock      int             `json:"stock"`
	Details    json.RawMessage `json:"details,omitempty"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// Page - результат чтения одной страницы удаленной коллекции
type Page struct {
	Records     []models.RemoteRecord
	CurrentPage int
	TotalPages  *int // nil, если лента не сообщает общее число страниц
	HasMore     bool
}

// parseEnvelope разбирает тело ответа. Конверт с isError=true
// превращается в ValidationError и никогда не проглатывается молча.
func parseEnvelope(body []byte, account string) (*Page, *APIError) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &APIError{
			Kind:    KindServerError,
			Message: fmt.Sprintf("malformed response body: %v", err),
		}
	}

	if env.IsError {
		return nil, &APIError{
			Kind:       KindValidation,
			StatusCode: 200,
			Message:    joinMessages(env.Messages),
		}
	}

	page := &Page{
		CurrentPage: env.CurrentPage,
		TotalPages:  env.TotalPages,
		HasMore:     env.HasMore,
		Records:     make([]models.RemoteRecord, 0, len(env.Results)),
	}
	for _, dto := range env.Results {
		page.Records = append(page.Records, models.RemoteRecord{
			RemoteKey:  dto.ID,
			Account:    account,
			Name:       dto.Name,
			Price:      dto.SalePrice,
			Stock:      dto.Stock,
			Payload:    dto.Details,
			ModifiedAt: dto.ModifiedAt,
		})
	}
	return page, nil
}

func joinMessages(msgs []envelopeMessage) string {
	if len(msgs) == 0 {
		return "documentation error without details"
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Field != "" {
			parts = append(parts, m.Field+": "+m.Message)
			continue
		}
		parts = append(parts, m.Message)
	}
	return strings.Join(parts, "; ")
}
