// Package rest is the history/room API client. Initial loads and pagination
// go through here; transient failures retry with exponential backoff behind a
// circuit breaker so a dead API fails fast instead of hammering.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wououoo/weddingAlba-sub000/auth"
	"github.com/wououoo/weddingAlba-sub000/models"
)

var ErrUnavailable = errors.New("rest: history api unavailable")

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
}

type Client struct {
	http *http.Client
	cfg  Config
	cred *auth.Credential
	cb   *gobreaker.CircuitBreaker
	log  *zap.SugaredLogger
}

func NewClient(cfg Config, cred *auth.Credential, log *zap.SugaredLogger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMaxElapsed == 0 {
		cfg.RetryMaxElapsed = 15 * time.Second
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-history",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		http: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		cfg:  cfg,
		cred: cred,
		cb:   cb,
		log:  log,
	}
}

// RoomInit fetches the combined activation snapshot: room metadata, the most
// recent message page and the online users, in one call.
func (c *Client) RoomInit(ctx context.Context, roomID string) (*models.InitSnapshot, error) {
	var snap models.InitSnapshot
	path := "/api/chat/rooms/" + url.PathEscape(roomID) + "/init"
	if err := c.getJSON(ctx, path, nil, &snap); err != nil {
		return nil, fmt.Errorf("room init %s: %w", roomID, err)
	}
	return &snap, nil
}

// Messages fetches one older history page.
func (c *Client) Messages(ctx context.Context, roomID string, page, size int) (*models.HistoryPage, error) {
	var hp models.HistoryPage
	path := "/api/chat/rooms/" + url.PathEscape(roomID) + "/messages"
	q := url.Values{"page": {strconv.Itoa(page)}, "size": {strconv.Itoa(size)}}
	if err := c.getJSON(ctx, path, q, &hp); err != nil {
		return nil, fmt.Errorf("messages %s page %d: %w", roomID, page, err)
	}
	return &hp, nil
}

// MarkRead tells the server the room was viewed. Callers treat failure as
// non-fatal; it only affects an unread badge.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	path := "/api/chat/rooms/" + url.PathEscape(roomID) + "/read"
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer drain(resp)
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values) (*http.Request, error) {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cred.Token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doWithRetry runs the request through the breaker with exponential backoff.
// 5xx and transport errors retry; 4xx is permanent.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		r, err := c.cb.Execute(func() (any, error) {
			res, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			// 5xx counts against the breaker and retries.
			if res.StatusCode >= 500 {
				drain(res)
				return nil, fmt.Errorf("server status %d", res.StatusCode)
			}
			return res, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrUnavailable)
			}
			return err
		}
		res := r.(*http.Response)
		if res.StatusCode >= 400 {
			drain(res)
			return backoff.Permanent(fmt.Errorf("client status %d", res.StatusCode))
		}
		resp = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.RetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
