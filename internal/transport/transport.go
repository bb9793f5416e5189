/*
Copyright 2024 The Blobsync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transport implements the typed HTTP client that speaks to the
// remote blob server: request construction, bearer authentication, outbound
// pacing, and the status-code-to-error mapping every higher layer relies on.
// It is grounded on perkeep's pkg/client (discovery/request plumbing) and
// pkg/httputil (RoundTripper wrapping), adapted from Camlistore's blob
// protocol to the user/token/namespace shape of a blob sync server.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/leap-soledad/blobsync/pkg/blob"
	"github.com/leap-soledad/blobsync/pkg/blobsyncerr"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the root of the remote blob server, e.g. https://host/blobs.
	BaseURL string
	// User identifies the account whose blobs are being synced.
	User string
	// Token authenticates User via a bearer Authorization header.
	Token string
	// HTTPClient, if non-nil, supplies the Transport and Timeout used for
	// all requests (wrapped with bearer authentication); its other fields
	// are not used. Otherwise http.DefaultClient's are used.
	HTTPClient *http.Client
	// RequestsPerSecond bounds outbound request pacing; zero disables
	// pacing (unlimited).
	RequestsPerSecond float64
}

// Client is a small typed wrapper over net/http for the remote blob
// server's GET/PUT/POST/DELETE surface. It owns its own rate limiter,
// independent of any concurrency limit callers apply around it: pacing
// protects the server, concurrency limits protect the caller's resources,
// and the two are not the same knob.
type Client struct {
	baseURL *url.URL
	user    string
	hc      *http.Client
	limiter *rate.Limiter
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base URL: %w", err)
	}
	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	wrapped := &http.Client{
		Transport: &bearerTransport{
			token: cfg.Token,
			inner: roundTripperOf(base),
		},
		Timeout: base.Timeout,
	}

	var lim *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{baseURL: u, user: cfg.User, hc: wrapped, limiter: lim}, nil
}

func roundTripperOf(c *http.Client) http.RoundTripper {
	if c.Transport != nil {
		return c.Transport
	}
	return http.DefaultTransport
}

type bearerTransport struct {
	token string
	inner http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.inner.RoundTrip(req)
}

// blobURL builds <remote>/<user>/<blob_id>, carrying ns as the "namespace"
// query parameter rather than as a path segment: the remote protocol keys
// blobs by user, not by namespace, and namespace is a filter on top of
// that. extra is merged into the query string, letting callers add
// endpoint-specific parameters (only_flags, and so on) without duplicating
// the namespace-handling logic.
func (c *Client) blobURL(ns blob.Namespace, ref blob.Ref, extra map[string]string) string {
	u := *c.baseURL
	u.Path = fmt.Sprintf("%s/%s/%s", u.Path, url.PathEscape(c.user), url.PathEscape(ref.String()))
	q := u.Query()
	if ns != blob.Default {
		q.Set("namespace", string(ns))
	}
	for k, v := range extra {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Response wraps the pieces of an *http.Response callers need: the status,
// the body bytes, and any header the caller asked to read back (such as
// Tag, or Content-Range).
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (c *Client) do(ctx context.Context, method, rawurl string, header http.Header, body io.Reader) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &blobsyncerr.RetriableTransferError{Cause: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &blobsyncerr.RetriableTransferError{Cause: err}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

// Get fetches the sealed blob payload for (ns, ref). The Tag response
// header, when present, is returned in resp.Header; Get does not require or
// check it, and blobmanager's decrypt path authenticates against the tag at
// the end of the body rather than this header.
func (c *Client) Get(ctx context.Context, ns blob.Namespace, ref blob.Ref) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, c.blobURL(ns, ref, nil), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(resp.StatusCode, ref.String()); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRange performs a ranged GET, requesting bytes [start, end] inclusive.
func (c *Client) GetRange(ctx context.Context, ns blob.Namespace, ref blob.Ref, start, end int64) (*Response, error) {
	h := http.Header{"Range": []string{fmt.Sprintf("bytes=%d-%d", start, end)}}
	resp, err := c.do(ctx, http.MethodGet, c.blobURL(ns, ref, nil), h, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return resp, nil
	}
	if err := CheckStatus(resp.StatusCode, ref.String()); err != nil {
		return nil, err
	}
	return resp, nil
}

// Put uploads a sealed blob payload, carrying the authentication tag in the
// Tag header base64url-encoded, as the server expects.
func (c *Client) Put(ctx context.Context, ns blob.Namespace, ref blob.Ref, sealed []byte, tag string) (*Response, error) {
	h := http.Header{"Tag": []string{tag}}
	resp, err := c.do(ctx, http.MethodPut, c.blobURL(ns, ref, nil), h, bytes.NewReader(sealed))
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(resp.StatusCode, ref.String()); err != nil {
		return nil, err
	}
	return resp, nil
}

// Delete removes a remote blob.
func (c *Client) Delete(ctx context.Context, ns blob.Namespace, ref blob.Ref) error {
	resp, err := c.do(ctx, http.MethodDelete, c.blobURL(ns, ref, nil), nil, nil)
	if err != nil {
		return err
	}
	return CheckStatus(resp.StatusCode, ref.String())
}

// SetFlags replaces the server-side flags for a blob: a POST of the bare
// flag array to the blob's own URL, no separate flags endpoint.
func (c *Client) SetFlags(ctx context.Context, ns blob.Namespace, ref blob.Ref, flags []blob.Flag) error {
	body, err := encodeFlags(flags)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, c.blobURL(ns, ref, nil), nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotAcceptable {
		return &blobsyncerr.InvalidFlagsError{BlobID: ref.String(), Flags: flags}
	}
	return CheckStatus(resp.StatusCode, ref.String())
}

// GetFlags fetches the server-side flags for a blob: a GET of the blob's
// own URL with only_flags=true, which returns the flag array instead of
// the blob payload.
func (c *Client) GetFlags(ctx context.Context, ns blob.Namespace, ref blob.Ref) ([]blob.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, c.blobURL(ns, ref, map[string]string{"only_flags": "true"}), nil, nil)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(resp.StatusCode, ref.String()); err != nil {
		return nil, err
	}
	return decodeFlags(resp.Body)
}

// ListOptions filters a remote listing.
type ListOptions struct {
	OrderBy    string
	FilterFlag blob.Flag
	Deleted    bool
	OnlyCount  bool
}

// List fetches the remote blob listing for ns according to opts, against
// <remote>/<user>/ with namespace and filters as query parameters.
func (c *Client) List(ctx context.Context, ns blob.Namespace, opts ListOptions) ([]blob.SizedRef, int, error) {
	u := *c.baseURL
	u.Path = fmt.Sprintf("%s/%s/", u.Path, url.PathEscape(c.user))
	q := u.Query()
	if ns != blob.Default {
		q.Set("namespace", string(ns))
	}
	if opts.OrderBy != "" {
		q.Set("order_by", opts.OrderBy)
	}
	if opts.FilterFlag != "" {
		q.Set("filter_flag", string(opts.FilterFlag))
	}
	if opts.Deleted {
		q.Set("deleted", "true")
	}
	if opts.OnlyCount {
		q.Set("only_count", "true")
	}
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, http.MethodGet, u.String(), nil, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := CheckStatus(resp.StatusCode, ""); err != nil {
		return nil, 0, err
	}
	return decodeListing(resp.Body, opts.OnlyCount)
}
