// Package client provides an http client for the candled api.
package client

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
	"time"

	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/cmd/candled/httpapi"
)

const requestTimeout = time.Second * 10

// Client provides the client api.
type Client struct {
	host string
	c    *http.Client
}

// New returns a new client for the candled api at host, e.g.
// http://127.0.0.1:8889.
func New(host string) *Client {
	return &Client{
		host: strings.TrimSuffix(host, "/"),
		c:    &http.Client{Timeout: requestTimeout},
	}
}

// Health checks that the api is reachable.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, nil); err != nil {
		return fmt.Errorf("calling health api: %s", err)
	}
	return nil
}

// CreateAuction creates an auction from cfg.
func (c *Client) CreateAuction(ctx context.Context, cfg auction.Config) (httpapi.Auction, error) {
	var created httpapi.Auction
	if err := c.do(ctx, http.MethodPost, "/auctions", "", cfg, &created); err != nil {
		return httpapi.Auction{}, fmt.Errorf("calling create auction api: %s", err)
	}
	return created, nil
}

// GetAuction returns an auction by id.
func (c *Client) GetAuction(ctx context.Context, id auction.ID) (httpapi.Auction, error) {
	var a httpapi.Auction
	if err := c.do(ctx, http.MethodGet, auctionPath(id), "", nil, &a); err != nil {
		return httpapi.Auction{}, fmt.Errorf("calling get auction api: %s", err)
	}
	return a, nil
}

// ListAuctions lists auctions, most recent first unless ascending is
// set. A zero limit picks up the server default; offset is the auction
// id to seek past.
func (c *Client) ListAuctions(ctx context.Context, limit int, offset string, ascending bool) ([]httpapi.Auction, error) {
	params := url.Values{}
	if limit != 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset != "" {
		params.Set("offset", offset)
	}
	if ascending {
		params.Set("order", "asc")
	}
	path := "/auctions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var list []httpapi.Auction
	if err := c.do(ctx, http.MethodGet, path, "", nil, &list); err != nil {
		return nil, fmt.Errorf("calling list auctions api: %s", err)
	}
	return list, nil
}

// PlaceBid escrows amount in an auction for the bidder the token
// authenticates.
func (c *Client) PlaceBid(ctx context.Context, id auction.ID, token string, amount uint64) (httpapi.BidResult, error) {
	var res httpapi.BidResult
	if err := c.do(ctx, http.MethodPost, auctionPath(id)+"/bids", token, httpapi.BidRequest{Amount: amount}, &res); err != nil {
		return httpapi.BidResult{}, fmt.Errorf("calling place bid api: %s", err)
	}
	return res, nil
}

// Finalize resolves the auction winner.
func (c *Client) Finalize(ctx context.Context, id auction.ID) (httpapi.Winner, error) {
	var w httpapi.Winner
	if err := c.do(ctx, http.MethodPost, auctionPath(id)+"/finalize", "", nil, &w); err != nil {
		return httpapi.Winner{}, fmt.Errorf("calling finalize api: %s", err)
	}
	return w, nil
}

// Payout settles the claim of the caller the token authenticates.
func (c *Client) Payout(ctx context.Context, id auction.ID, token string) (httpapi.PayoutResult, error) {
	var p httpapi.PayoutResult
	if err := c.do(ctx, http.MethodPost, auctionPath(id)+"/payouts", token, nil, &p); err != nil {
		return httpapi.PayoutResult{}, fmt.Errorf("calling payout api: %s", err)
	}
	return p, nil
}

func auctionPath(id auction.ID) string {
	return "/auctions/" + url.PathEscape(string(id))
}

func (c *Client) do(ctx context.Context, method, path, token string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %s", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %s", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := c.c.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %s", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %s", err)
	}
	return nil
}
