// Package notifier предоставляет клиент для пересылки событий внешнему наблюдателю.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с наблюдателем.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для наблюдателя по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// BatchKey возвращает ключ идемпотентности пачки событий. Повторная отправка той же
// пачки получает тот же ключ.
func BatchKey(events []model.Event) string {
	if len(events) == 0 {
		return ""
	}
	name := fmt.Sprintf("campus-ledger/events/%d-%d", events[0].Seq, events[len(events)-1].Seq)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Deliver отправляет пачку событий. При ответе 429 возвращает код и паузу из Retry-After без ошибки.
func (c *Client) Deliver(ctx context.Context, events []model.Event) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("notifier client not configured")
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(events)
	if err != nil {
		return 0, 0, fmt.Errorf("encode events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/events", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", BatchKey(events))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp.StatusCode, 0, nil
}
