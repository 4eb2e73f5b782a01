package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebAPI resolves addresses through an ip-api.com compatible JSON
// endpoint. It is used by the enrichment pass, not by crawl workers:
// the public API is rate limited and lookups are spaced accordingly by
// the caller.
type WebAPI struct {
	baseURL string
	client  *http.Client
}

// NewWebAPI creates a client for the given base URL. A nil httpClient
// gets a default with a 5 second timeout.
func NewWebAPI(baseURL string, httpClient *http.Client) *WebAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

type webAPIResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	ISP         string `json:"isp"`
	AS          string `json:"as"`
}

// Resolve queries {base}/json/{ip}. A "fail" status from the API maps
// to ErrUnresolvable; transport and HTTP errors are returned as-is so
// the caller can retry later.
func (w *WebAPI) Resolve(ctx context.Context, ip string) (Info, error) {
	url := fmt.Sprintf("%s/json/%s", w.baseURL, strings.TrimSpace(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("lookup %s: unexpected status %d", ip, resp.StatusCode)
	}

	var body webAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Info{}, fmt.Errorf("decode response for %s: %w", ip, err)
	}

	if body.Status != "success" {
		return Info{}, fmt.Errorf("lookup %s: %w", ip, ErrUnresolvable)
	}

	info := Info{
		ASN:          asnFromField(body.AS),
		Organization: body.ISP,
		Country:      body.CountryCode,
	}
	if info.Organization == "" {
		info.Organization = Placeholder().Organization
	}
	if info.Country == "" {
		info.Country = Placeholder().Country
	}
	return info, nil
}

// asnFromField extracts the leading "AS12345" token from the API's
// combined "AS12345 Provider Name" field.
func asnFromField(field string) string {
	if field == "" {
		return Placeholder().ASN
	}
	if idx := strings.IndexByte(field, ' '); idx > 0 {
		return field[:idx]
	}
	return field
}
