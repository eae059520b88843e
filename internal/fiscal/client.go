// Package fiscal предоставляет клиент фискального API для получения данных чека.
package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// ErrFetchFailed возвращается при любой неудаче получения данных чека:
// сетевой ошибке, неуспешном статусе или непригодном ответе.
var ErrFetchFailed = errors.New("fiscal data fetch failed")

const requestTimeout = 10 * time.Second

// Фискальные API именуют поля по-разному, форматы времени тоже различаются.
var datetimeFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02.01.2006 15:04:05",
}

// Receipt содержит канонические данные чека, извлечённые из ответа API.
type Receipt struct {
	FiscalID  string
	Amount    decimal.Decimal
	Datetime  time.Time
	SourceURL string
	Raw       json.RawMessage
}

// Client инкапсулирует HTTP-взаимодействие с фискальным API.
type Client struct {
	httpClient *retryablehttp.Client
	loc        *time.Location
}

// NewClient создаёт клиент фискального API. Наивные отметки времени в ответах
// интерпретируются в указанном часовом поясе.
func NewClient(loc *time.Location) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = requestTimeout
	rc.Logger = nil

	return &Client{
		httpClient: rc,
		loc:        loc,
	}
}

// Fetch запрашивает данные чека по URL из QR-кода. Любая неудача
// оборачивает ErrFetchFailed.
func (c *Client) Fetch(ctx context.Context, url string) (*Receipt, error) {
	if c == nil || url == "" {
		return nil, fmt.Errorf("%w: empty url", ErrFetchFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, err)
	}

	receipt, err := c.parseReceipt(body, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFetchFailed, err)
	}

	return receipt, nil
}

func (c *Client) parseReceipt(body []byte, sourceURL string) (*Receipt, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	fiscalID, ok := stringValue(payload, "RRN", "FISKAL_NO", "fiskal_id", "id")
	if !ok {
		return nil, errors.New("fiscal id field missing")
	}

	amount, err := amountValue(payload)
	if err != nil {
		return nil, err
	}

	datetime, err := c.datetimeValue(payload)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		FiscalID:  fiscalID,
		Amount:    amount,
		Datetime:  datetime,
		SourceURL: sourceURL,
		Raw:       body,
	}, nil
}

// stringValue возвращает первое непустое строковое представление значения
// по списку ключей-кандидатов.
func stringValue(payload map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			s := strings.TrimSpace(val)
			if s != "" {
				return s, true
			}
		case json.Number:
			return val.String(), true
		}
	}
	return "", false
}

func amountValue(payload map[string]any) (decimal.Decimal, error) {
	for _, key := range []string{"amount", "total", "sum"} {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}

		var raw string
		switch val := v.(type) {
		case string:
			raw = strings.TrimSpace(val)
			if raw == "" {
				continue
			}
		case json.Number:
			raw = val.String()
		default:
			continue
		}

		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
		}
		return amount, nil
	}

	return decimal.Zero, errors.New("amount field missing")
}

func (c *Client) datetimeValue(payload map[string]any) (time.Time, error) {
	raw, ok := stringValue(payload, "datetime", "date", "created_at")
	if !ok {
		// Не все API отдают время чека, берём текущее.
		return time.Now().In(c.loc), nil
	}

	for _, format := range datetimeFormats {
		if t, err := time.ParseInLocation(format, raw, c.loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("parse datetime %q: no known format", raw)
}
