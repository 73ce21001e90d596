package gridapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gridsync/internal/models"
)

// Client talks to the backend query service: cursor-paged bet history and
// the grouped settlement/payout lookups used by the view formatter.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type BetsQuery struct {
	Address         string
	Offset          int
	Limit           int
	TimeperiodStart int64
	TimeperiodEnd   int64
}

func (c *Client) ListBets(ctx context.Context, q BetsQuery) ([]models.BetRecord, error) {
	params := url.Values{}
	if q.Address != "" {
		params.Set("address", q.Address)
	}
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.TimeperiodStart > 0 {
		params.Set("timeperiodStart", strconv.FormatInt(q.TimeperiodStart, 10))
	}
	if q.TimeperiodEnd > 0 {
		params.Set("timeperiodEnd", strconv.FormatInt(q.TimeperiodEnd, 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/bets?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Bets []models.BetRecord `json:"bets"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("gridapi: decode bets: %w", err)
	}
	return out.Bets, nil
}

// SettlementsByTimeperiods performs one grouped lookup for a set of distinct
// timeperiod identifiers. Absent timeperiods are simply missing from the map.
func (c *Client) SettlementsByTimeperiods(ctx context.Context, ids []int64) (map[int64]models.SettlementRecord, error) {
	if len(ids) == 0 {
		return map[int64]models.SettlementRecord{}, nil
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/settlements?timeperiods="+strings.Join(parts, ","), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Settlements []models.SettlementRecord `json:"settlements"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("gridapi: decode settlements: %w", err)
	}
	byID := make(map[int64]models.SettlementRecord, len(out.Settlements))
	for _, s := range out.Settlements {
		byID[s.TimeperiodID] = s
	}
	return byID, nil
}

// PayoutsByGridKeys performs one grouped lookup for a set of distinct grid
// keys. Keys without payout data are missing from the map; the formatter
// classifies those as losses once their timeperiod settled.
func (c *Client) PayoutsByGridKeys(ctx context.Context, keys []models.GridKey) (map[models.GridKey]models.PayoutRecord, error) {
	if len(keys) == 0 {
		return map[models.GridKey]models.PayoutRecord{}, nil
	}
	payload, err := json.Marshal(struct {
		GridKeys []models.GridKey `json:"gridKeys"`
	}{GridKeys: keys})
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/v1/payouts/query", payload)
	if err != nil {
		return nil, err
	}
	var out struct {
		Payouts []models.PayoutRecord `json:"payouts"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("gridapi: decode payouts: %w", err)
	}
	byKey := make(map[models.GridKey]models.PayoutRecord, len(out.Payouts))
	for _, p := range out.Payouts {
		byKey[p.Key] = p
	}
	return byKey, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gridapi: %s %s: status %d", method, path, resp.StatusCode)
	}
	return body, nil
}
