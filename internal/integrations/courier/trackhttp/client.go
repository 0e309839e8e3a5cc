// Package trackhttp talks to a Track24 compatible tracking endpoint.
package trackhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
)

type Client struct {
	baseURL string
	apiKey  string
	domain  string
	httpc   *http.Client
}

func New(baseURL, apiKey, domain string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		domain:  domain,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type trackResp struct {
	Status string `json:"status"`
	Data   struct {
		Recipient string `json:"recipient"`
		Events    []struct {
			OperationDateTime        string `json:"operationDateTime"`
			OperationAttribute       string `json:"operationAttribute"`
			OperationType            string `json:"operationType"`
			OperationPlaceName       string `json:"operationPlaceName"`
			OperationPlacePostalCode string `json:"operationPlacePostalCode"`
			Source                   string `json:"source"`
		} `json:"events"`
	} `json:"data"`
}

func (c *Client) GetTracking(ctx context.Context, carrierCode, trackNumber string) (courier.TrackingResult, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return courier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/tracking.json.php"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("domain", c.domain)
	q.Set("code", trackNumber)
	if carrierCode != "" {
		q.Set("service", carrierCode)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return courier.TrackingResult{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return courier.TrackingResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return courier.TrackingResult{}, fmt.Errorf("tracking http %d", resp.StatusCode)
	}

	var r trackResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return courier.TrackingResult{}, errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		return courier.TrackingResult{}, fmt.Errorf("tracking status=%s", r.Status)
	}

	now := time.Now().UTC()
	res := courier.TrackingResult{
		Status:   courier.StatusUnknown,
		StatusAt: &now,
	}

	for _, e := range r.Data.Events {
		at := now
		// e.g. "02.07.2014 19:16:00"
		if e.OperationDateTime != "" {
			if t, err := time.ParseInLocation("02.01.2006 15:04:05", e.OperationDateTime, time.UTC); err == nil {
				at = t.UTC()
			}
		}
		st := classify(e.OperationType, e.OperationAttribute)
		res.Events = append(res.Events, courier.Event{
			Status:   st,
			Raw:      e.OperationAttribute,
			At:       at,
			Location: e.OperationPlaceName,
			Message:  e.OperationAttribute,
		})
		res.Status = st
		res.StatusRaw = e.OperationAttribute
		atCopy := at
		res.StatusAt = &atCopy
	}

	if res.Status == courier.StatusDelivered {
		res.ReceivedBy = r.Data.Recipient
	}
	return res, nil
}

func classify(opType, attribute string) courier.Status {
	low := strings.ToLower(opType + " " + attribute)
	switch {
	case strings.Contains(low, "deliver") || strings.Contains(low, "handed"):
		return courier.StatusDelivered
	case strings.Contains(low, "return") || strings.Contains(low, "lost") || strings.Contains(low, "refus"):
		return courier.StatusFailed
	default:
		return courier.StatusInTransit
	}
}
