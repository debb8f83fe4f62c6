package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// MaxResponseSize bounds a single page body.
	MaxResponseSize = 32 << 20
	defaultTimeout  = 30 * time.Second
	userAgent       = "indexsync/1"
)

// Client is a Querier over GraphQL-on-HTTP.
type Client struct {
	endpoint string
	token    string
	timeout  time.Duration
	http     *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds every request, including body read.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		timeout:  defaultTimeout,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Query(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"query":     req.Query,
		"variables": req.Variables,
	})
	if err != nil {
		return nil, &Error{Kind: KindFatal, Message: "encode request", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindFatal, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// timeouts, resets and refused connections are all worth retrying
		return nil, &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "read body", Err: err}
	}

	if err := statusError(resp, body); err != nil {
		return nil, err
	}
	return parseResponse(req.Collection, resp.StatusCode, body)
}

func statusError(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    snippet(body),
		}
	case code == http.StatusRequestTimeout || code >= 500:
		return &Error{Kind: KindTransient, StatusCode: code, Message: snippet(body)}
	case code == http.StatusBadRequest && gjson.GetBytes(body, "errors").IsArray():
		// GraphQL servers report schema errors as 400 with a normal error body
		return nil
	default:
		return &Error{Kind: KindFatal, StatusCode: code, Message: snippet(body)}
	}
}

func parseResponse(collection string, status int, body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, &Error{Kind: KindFatal, StatusCode: status, Message: "malformed response body: " + snippet(body)}
	}
	parsed := gjson.ParseBytes(body)

	var gqlErrs []GraphQLError
	parsed.Get("errors").ForEach(func(_, e gjson.Result) bool {
		ge := GraphQLError{Message: e.Get("message").String()}
		for _, p := range e.Get("path").Array() {
			if p.Type == gjson.Number {
				ge.Path = append(ge.Path, int(p.Int()))
			} else {
				ge.Path = append(ge.Path, p.String())
			}
		}
		gqlErrs = append(gqlErrs, ge)
		return true
	})

	data := parsed.Get("data." + gjson.Escape(collection))
	if !data.Exists() || data.Type == gjson.Null {
		if len(gqlErrs) == 0 {
			return nil, &Error{Kind: KindCapability, StatusCode: status, Message: fmt.Sprintf("collection %q missing from response", collection)}
		}
		return nil, classifyErrors(status, gqlErrs)
	}
	if !data.IsArray() {
		return nil, &Error{Kind: KindFatal, StatusCode: status, Message: fmt.Sprintf("collection %q is not a list", collection)}
	}

	out := &Response{Errors: gqlErrs}
	data.ForEach(func(_, item gjson.Result) bool {
		out.Items = append(out.Items, json.RawMessage(item.Raw))
		return true
	})
	return out, nil
}

// classifyErrors picks the most actionable kind across all messages.
func classifyErrors(status int, errs []GraphQLError) error {
	kind := KindFatal
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		if k := ClassifyMessage(e.Message); rank(k) > rank(kind) {
			kind = k
		}
	}
	return &Error{Kind: kind, StatusCode: status, Message: strings.Join(msgs, "; ")}
}

func rank(k Kind) int {
	switch k {
	case KindCapability:
		return 4
	case KindPaginationLimit:
		return 3
	case KindRateLimited:
		return 2
	case KindTransient:
		return 1
	default:
		return 0
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
