// Package solr talks to Solr cores over the JSON HTTP API and manages the
// per site and language connections.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/solrqueue/solrqueue/internal/config"
	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

// Document is a Solr document.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	cp := make(Document, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// Endpoint locates a Solr core.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Path     string
	Core     string
	Username string
	Password string
}

// EndpointFromConfig converts an endpoint configuration.
func EndpointFromConfig(ec config.EndpointConfig) Endpoint {
	return Endpoint{
		Scheme:   ec.Scheme,
		Host:     ec.Host,
		Port:     ec.Port,
		Path:     ec.Path,
		Core:     ec.Core,
		Username: ec.Username,
		Password: ec.Password,
	}
}

// CoreURL returns the base URL of the core, e.g. http://localhost:8983/solr/core_en.
func (e Endpoint) CoreURL() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := e.Host
	if e.Port > 0 {
		host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	path := strings.Trim(e.Path, "/")
	if path != "" {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, host, path, strings.Trim(e.Core, "/"))
}

// CorePath returns the path of the core below the host.
func (e Endpoint) CorePath() string {
	path := strings.Trim(e.Path, "/")
	if path == "" {
		return "/" + strings.Trim(e.Core, "/")
	}
	return "/" + path + "/" + strings.Trim(e.Core, "/")
}

// Response is the decoded answer of a Solr request.
type Response struct {
	HTTPStatus int
	Status     int
	QTime      int
	Message    string
	NumFound   int64
	Docs       []Document
}

// Successful reports whether the HTTP status is 2xx and Solr reported status 0.
func (r *Response) Successful() bool {
	return r != nil && r.HTTPStatus >= 200 && r.HTTPStatus < 300 && r.Status == 0
}

// Timeouts holds the per-call time limits.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Total   time.Duration
}

// TimeoutsFromConfig extracts the timeouts of the solr configuration.
func TimeoutsFromConfig(sc config.SolrConfig) Timeouts {
	return Timeouts{Connect: sc.ConnectTimeout, Read: sc.ReadTimeout, Total: sc.Timeout}
}

// Client issues requests against a single core.
type Client struct {
	endpoint Endpoint
	http     *http.Client
}

// NewClient creates a client for ep. The transport is instrumented with
// OpenTelemetry.
func NewClient(ep Endpoint, timeouts Timeouts) *Client {
	dialer := &net.Dialer{Timeout: timeouts.Connect}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: timeouts.Read,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		endpoint: ep,
		http: &http.Client{
			Transport: otelhttp.NewTransport(base),
			Timeout:   timeouts.Total,
		},
	}
}

// Endpoint returns the endpoint of the client.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Add submits documents.
func (c *Client) Add(ctx context.Context, docs []Document) (*Response, error) {
	body, err := json.Marshal(docs)
	if err != nil {
		return nil, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload, "failed to encode documents", err)
	}
	return c.do(ctx, http.MethodPost, "/update", url.Values{"wt": {"json"}}, body)
}

// DeleteByQuery removes every document matching query.
func (c *Client) DeleteByQuery(ctx context.Context, query string) (*Response, error) {
	body, err := json.Marshal(map[string]any{"delete": map[string]string{"query": query}})
	if err != nil {
		return nil, sqerrors.NewSerializationError(sqerrors.CodeCorruptPayload, "failed to encode delete", err)
	}
	return c.do(ctx, http.MethodPost, "/update", url.Values{"wt": {"json"}}, body)
}

// Commit issues a hard commit, or a soft commit when soft is set.
func (c *Client) Commit(ctx context.Context, soft bool) (*Response, error) {
	params := url.Values{"wt": {"json"}}
	if soft {
		params.Set("softCommit", "true")
	} else {
		params.Set("commit", "true")
	}
	return c.do(ctx, http.MethodPost, "/update", params, []byte("{}"))
}

// Ping checks that the core answers.
func (c *Client) Ping(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/admin/ping", url.Values{"wt": {"json"}}, nil)
}

// Select runs a query and returns up to rows documents.
func (c *Client) Select(ctx context.Context, query string, rows int) (*Response, error) {
	params := url.Values{
		"q":    {query},
		"rows": {strconv.Itoa(rows)},
		"wt":   {"json"},
	}
	return c.do(ctx, http.MethodGet, "/select", params, nil)
}

type solrBody struct {
	ResponseHeader struct {
		Status int `json:"status"`
		QTime  int `json:"QTime"`
	} `json:"responseHeader"`
	Response *struct {
		NumFound int64      `json:"numFound"`
		Docs     []Document `json:"docs"`
	} `json:"response"`
	Error *struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"error"`
	Status string `json:"status"`
}

func (c *Client) do(ctx context.Context, method, handler string, params url.Values, body []byte) (*Response, error) {
	target := c.endpoint.CoreURL() + handler + "?" + params.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, sqerrors.NewInternalError("failed to build solr request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.endpoint.Username != "" {
		req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(err)
	}

	out := &Response{HTTPStatus: resp.StatusCode, Message: resp.Status}
	var decoded solrBody
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out.Status = decoded.ResponseHeader.Status
		out.QTime = decoded.ResponseHeader.QTime
		if decoded.Response != nil {
			out.NumFound = decoded.Response.NumFound
			out.Docs = decoded.Response.Docs
		}
		if decoded.Error != nil && decoded.Error.Msg != "" {
			out.Message = decoded.Error.Msg
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, sqerrors.NewTransportError(sqerrors.CodeBadStatus,
			fmt.Sprintf("solr %s%s answered %d: %s", c.endpoint.CorePath(), handler, resp.StatusCode, out.Message), nil).
			WithDetails(map[string]interface{}{
				"status": resp.StatusCode,
				"core":   c.endpoint.CorePath(),
			})
	}
	return out, nil
}

func (c *Client) transportError(err error) error {
	code := sqerrors.CodeUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = sqerrors.CodeTimeout
	}
	return sqerrors.NewTransportError(code, fmt.Sprintf("solr %s unreachable", c.endpoint.CorePath()), err)
}

// StatusAndMessage summarizes the outcome of a request for diagnostics.
func StatusAndMessage(resp *Response, err error) (int, string) {
	if resp != nil {
		if resp.Status != 0 && resp.HTTPStatus >= 200 && resp.HTTPStatus < 300 {
			return resp.Status, resp.Message
		}
		return resp.HTTPStatus, resp.Message
	}
	if err != nil {
		return 0, err.Error()
	}
	return 0, ""
}
