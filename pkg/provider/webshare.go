package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultPageSize = 100

// WebshareSupplier fetches the proxy inventory from the Webshare.io API.
type WebshareSupplier struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

func newWebshareSupplier(config Config, logger *slog.Logger) *WebshareSupplier {
	if config.APIKey == "" {
		panic("webshare API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://proxy.webshare.io/api/v2"
	}
	if config.PageSize == 0 {
		config.PageSize = defaultPageSize
	}

	return &WebshareSupplier{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (s *WebshareSupplier) Name() string {
	return "webshare"
}

// inventoryPage is a single page of the Webshare proxy list response.
type inventoryPage struct {
	Count   int      `json:"count"`
	Next    string   `json:"next"`
	Results []Record `json:"results"`
}

// FetchInventory drains every page of the supplier's proxy list. If any page
// fails, the whole fetch fails so a partial inventory is never installed.
func (s *WebshareSupplier) FetchInventory(ctx context.Context) ([]Record, error) {
	pageURL := s.firstPageURL()
	var records []Record

	for page := 1; pageURL != ""; page++ {
		s.logger.Debug("Fetching inventory page",
			"supplier", s.Name(),
			"page", page,
			"url", pageURL)

		result, err := s.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("inventory page %d: %w", page, err)
		}

		records = append(records, result.Results...)
		pageURL = result.Next
	}

	s.logger.Debug("Inventory fetch complete",
		"supplier", s.Name(),
		"records", len(records))

	return records, nil
}

func (s *WebshareSupplier) firstPageURL() string {
	q := url.Values{}
	q.Set("mode", "direct")
	q.Set("page_size", fmt.Sprintf("%d", s.config.PageSize))
	if s.config.CountryCode != "" {
		q.Set("country_code", strings.ToUpper(s.config.CountryCode))
	}
	return fmt.Sprintf("%s/proxy/list/?%s", strings.TrimSuffix(s.config.BaseURL, "/"), q.Encode())
}

func (s *WebshareSupplier) fetchPage(ctx context.Context, pageURL string) (*inventoryPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		s.logger.Debug("Supplier returned non-OK status",
			"status", resp.StatusCode,
			"body", string(body))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var page inventoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode inventory page: %w", err)
	}

	return &page, nil
}
