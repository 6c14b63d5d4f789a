package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/conduit/internal/routes"
	"github.com/dyluth/conduit/internal/selector"
)

// maxResponseBytes caps upstream bodies held in memory.
const maxResponseBytes = 8 << 20

// ErrResponseTooLarge is returned instead of a truncated upstream body.
var ErrResponseTooLarge = errors.New("upstream response too large")

// Response is an upstream REST response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// FromCache is set on responses served by the Proxy without an upstream call.
	FromCache bool
}

// Requester issues REST calls against the upstream platform.
type Requester interface {
	Request(ctx context.Context, method, path string, body []byte) (*Response, error)
}

// HTTPRequester calls the upstream REST API with one bot credential.
type HTTPRequester struct {
	BaseURL   string
	Token     string
	UserAgent string
	Client    *http.Client
}

// NewHTTPRequester creates a requester for baseURL (for example
// https://discord.com/api/v10) authenticated with token.
func NewHTTPRequester(baseURL, token string) *HTTPRequester {
	return &HTTPRequester{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		UserAgent: "DiscordBot (https://github.com/dyluth/conduit, 1.0)",
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *HTTPRequester) Request(ctx context.Context, method, path string, body []byte) (*Response, error) {
	url := r.BaseURL + "/" + strings.TrimLeft(path, "/")

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bot "+r.Token)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call upstream %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%s %s: %w (over %d bytes)", method, path, ErrResponseTooLarge, maxResponseBytes)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// MultiRequester routes each call to one of several credentials. Calls on a
// guild with more than one authorised credential are balanced round-robin;
// everything else uses Default.
type MultiRequester struct {
	Default     string
	Requesters  map[string]Requester
	Credentials selector.Credentials
	Selector    *selector.Selector
}

func (m *MultiRequester) Request(ctx context.Context, method, path string, body []byte) (*Response, error) {
	name := m.Default
	if guildID, ok := routes.GuildID(path); ok {
		if picked, ok := m.Credentials.Pick(m.Selector, guildID); ok {
			name = picked
		}
	}

	r, ok := m.Requesters[name]
	if !ok {
		return nil, fmt.Errorf("no requester configured for credential %q", name)
	}
	return r.Request(ctx, method, path, body)
}
