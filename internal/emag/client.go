package emag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ioko18/magflow-erp-sub004/internal/domain/models"
	"github.com/ioko18/magflow-erp-sub004/internal/emag/ratelimit"
	"github.com/ioko18/magflow-erp-sub004/pkg/interfaces"
)

// Credentials - учетные данные одного аккаунта продавца
type Credentials struct {
	Username string
	Password string
}

// RequestObserver получает исход каждой попытки исходящего запроса.
// Реализуется трекером здоровья.
type RequestObserver interface {
	RecordRequest(class string, latency time.Duration, success bool)
}

// retrierIface позволяет подменять движок повторов в тестах
type retrierIface interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// GatewayPort - порт шлюза к API eMAG.
// Единственная точка, которой позволено ходить во внешний API.
type GatewayPort interface {
	FetchPage(ctx context.Context, account string, operation models.SyncOperation, pageNumber int) (*Page, error)
	PushRecord(ctx context.Context, account string, operation models.SyncOperation, payload json.RawMessage) error
}

// Client - тонкий шлюз к API eMAG. Каждый вызов проходит сначала через
// лимитер нужного класса ресурса, затем через движок повторов.
// Состояния прогресса синхронизации клиент не хранит.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	accounts     map[string]Credentials
	limiter      *ratelimit.Limiter
	orderRetrier retrierIface
	bulkRetrier  retrierIface
	observer     RequestObserver
	logger       interfaces.LoggerPort
	pageSize     int
}

// ClientOptions - зависимости и настройки шлюза
type ClientOptions struct {
	BaseURL      string
	Accounts     map[string]Credentials
	Limiter      *ratelimit.Limiter
	OrderRetrier retrierIface
	BulkRetrier  retrierIface
	Observer     RequestObserver
	Logger       interfaces.LoggerPort
	Timeout      time.Duration
	PageSize     int
}

// NewClient создает шлюз к API eMAG
func NewClient(opts ClientOptions) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: opts.Timeout},
		baseURL:      opts.BaseURL,
		accounts:     opts.Accounts,
		limiter:      opts.Limiter,
		orderRetrier: opts.OrderRetrier,
		bulkRetrier:  opts.BulkRetrier,
		observer:     opts.Observer,
		logger:       opts.Logger,
		pageSize:     opts.PageSize,
	}
}

// classFor возвращает класс ресурса для операции: заказы имеют
// собственный бюджет, все остальное идет через класс "other"
func classFor(operation models.SyncOperation) ratelimit.ResourceClass {
	if operation == models.OperationOrders {
		return ratelimit.ClassOrders
	}
	return ratelimit.ClassOther
}

func (c *Client) retrierFor(operation models.SyncOperation) retrierIface {
	if operation == models.OperationOrders {
		return c.orderRetrier
	}
	return c.bulkRetrier
}

// FetchPage читает одну страницу удаленной коллекции.
// Возвращает записи, номер текущей страницы и подсказку об общем числе страниц.
func (c *Client) FetchPage(ctx context.Context, account string, operation models.SyncOperation, pageNumber int) (*Page, error) {
	creds, ok := c.accounts[account]
	if !ok {
		return nil, fmt.Errorf("emag: unknown account %q", account)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"currentPage":  pageNumber,
		"itemsPerPage": c.pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("emag: marshal read request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/read", c.baseURL, operation)
	class := classFor(operation)

	var page *Page
	err = c.retrierFor(operation).Do(ctx, func(ctx context.Context) error {
		body, apiErr := c.call(ctx, class, url, creds, reqBody)
		if apiErr != nil {
			return apiErr
		}
		parsed, apiErr := parseEnvelope(body, account)
		if apiErr != nil {
			return apiErr
		}
		page = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// PushRecord отправляет одну запись во внешний API
func (c *Client) PushRecord(ctx context.Context, account string, operation models.SyncOperation, payload json.RawMessage) error {
	creds, ok := c.accounts[account]
	if !ok {
		return fmt.Errorf("emag: unknown account %q", account)
	}

	url := fmt.Sprintf("%s/%s/save", c.baseURL, operation)
	class := classFor(operation)

	return c.retrierFor(operation).Do(ctx, func(ctx context.Context) error {
		body, apiErr := c.call(ctx, class, url, creds, payload)
		if apiErr != nil {
			return apiErr
		}
		if _, apiErr := parseEnvelope(body, account); apiErr != nil {
			return apiErr
		}
		return nil
	})
}

// call выполняет один HTTP вызов: лимитер -> запрос -> классификация исхода.
// Каждая попытка, включая повторные, отчитывается наблюдателю.
func (c *Client) call(ctx context.Context, class ratelimit.ResourceClass, url string, creds Credentials, body []byte) ([]byte, *APIError) {
	if err := c.limiter.Acquire(ctx, class); err != nil {
		return nil, &APIError{Kind: KindNetwork, Message: "rate limiter wait aborted: " + err.Error()}
	}

	start := time.Now()
	respBody, apiErr := c.doRequest(ctx, url, creds, body)
	latency := time.Since(start)

	if c.observer != nil {
		c.observer.RecordRequest(string(class), latency, apiErr == nil)
	}
	if apiErr != nil {
		c.logger.WarnWithContext(ctx, "Запрос к eMAG завершился ошибкой",
			interfaces.LogField{Key: "url", Value: url},
			interfaces.LogField{Key: "kind", Value: apiErr.Kind.String()},
			interfaces.LogField{Key: "status", Value: apiErr.StatusCode},
		)
	}
	return respBody, apiErr
}

func (c *Client) doRequest(ctx context.Context, url string, creds Credentials, body []byte) ([]byte, *APIError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: KindValidation, Message: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.Username, creds.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyStatus(resp.StatusCode, truncate(string(respBody), 512))
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
