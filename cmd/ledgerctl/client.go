package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/settlement"
)

// Client talks to the ledger's /api/v1 surface.
type Client struct {
	http *resty.Client
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/") + "/api/v1").
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Client) PendingSells(ctx context.Context) ([]model.SellRequest, error) {
	var out []model.SellRequest
	if err := c.do(ctx, "GET", "/sells/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Markets(ctx context.Context) ([]market.View, error) {
	var out []market.View
	if err := c.do(ctx, "GET", "/markets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Confirm(ctx context.Context, requestID, signature string) (*settlement.Settlement, error) {
	var out settlement.Settlement
	body := map[string]string{"signature": signature}
	if err := c.do(ctx, "POST", "/sells/"+requestID+"/confirm", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, requestID, signature, reason string) (*model.SellRequest, error) {
	var out model.SellRequest
	body := map[string]string{"signature": signature, "reason": reason}
	if err := c.do(ctx, "POST", "/sells/"+requestID+"/cancel", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var apiErr apiError
	req := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode())
	}
	return nil
}
