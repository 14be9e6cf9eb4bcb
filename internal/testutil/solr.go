package testutil

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/solrqueue/solrqueue/internal/config"
)

// FakeSolr is an in-memory stand-in for the Solr update, select and ping
// handlers of any number of cores below /solr/.
type FakeSolr struct {
	server *httptest.Server

	mu       sync.Mutex
	docs     map[string][]map[string]any
	deletes  map[string][]string
	commits  map[string][]string
	requests int

	// FailAdd rejects an add request when it returns true for any document
	FailAdd func(doc map[string]any) bool

	// RejectAdd answers an add request with HTTP 200 but a non-zero header
	// status when it returns true for any document
	RejectAdd func(doc map[string]any) bool

	// Down answers every request with 503
	Down bool
}

// NewFakeSolr starts a fake Solr server that is closed with the test.
func NewFakeSolr(t testing.TB) *FakeSolr {
	t.Helper()
	f := &FakeSolr{
		docs:    make(map[string][]map[string]any),
		deletes: make(map[string][]string),
		commits: make(map[string][]string),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the base URL of the server.
func (f *FakeSolr) URL() string { return f.server.URL }

// Endpoint returns the endpoint configuration of core.
func (f *FakeSolr) Endpoint(core string) config.EndpointConfig {
	ep := ParseEndpoint(f.server.URL)
	ep.Path = "solr"
	ep.Core = core
	return ep
}

// ParseEndpoint splits an http://host:port URL into an endpoint without core.
func ParseEndpoint(rawURL string) config.EndpointConfig {
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	p, _ := strconv.Atoi(port)
	return config.EndpointConfig{Scheme: "http", Host: host, Port: p}
}

// Docs returns the documents added to core.
func (f *FakeSolr) Docs(core string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.docs[core]...)
}

// Deletes returns the delete queries received by core.
func (f *FakeSolr) Deletes(core string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes[core]...)
}

// Commits returns the commits received by core ("hard" or "soft").
func (f *FakeSolr) Commits(core string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commits[core]...)
}

// Requests returns the number of requests served.
func (f *FakeSolr) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// SetDown toggles the unavailable mode.
func (f *FakeSolr) SetDown(down bool) {
	f.mu.Lock()
	f.Down = down
	f.mu.Unlock()
}

func (f *FakeSolr) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	if f.Down {
		writeSolr(w, http.StatusServiceUnavailable, 503, "core unavailable")
		return
	}

	// /solr/<core>/<handler...>
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/solr/"), "/", 2)
	if len(parts) != 2 {
		writeSolr(w, http.StatusNotFound, 404, "unknown path")
		return
	}
	core, handler := parts[0], parts[1]

	switch handler {
	case "admin/ping":
		writeJSON(w, http.StatusOK, map[string]any{
			"responseHeader": map[string]any{"status": 0, "QTime": 1},
			"status":         "OK",
		})

	case "select":
		docs := f.docs[core]
		writeJSON(w, http.StatusOK, map[string]any{
			"responseHeader": map[string]any{"status": 0, "QTime": 1},
			"response":       map[string]any{"numFound": len(docs), "docs": docs},
		})

	case "update":
		f.update(w, r, core)

	default:
		writeSolr(w, http.StatusNotFound, 404, "unknown handler "+handler)
	}
}

func (f *FakeSolr) update(w http.ResponseWriter, r *http.Request, core string) {
	q := r.URL.Query()
	if q.Get("commit") == "true" {
		f.commits[core] = append(f.commits[core], "hard")
		writeSolr(w, http.StatusOK, 0, "")
		return
	}
	if q.Get("softCommit") == "true" {
		f.commits[core] = append(f.commits[core], "soft")
		writeSolr(w, http.StatusOK, 0, "")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeSolr(w, http.StatusBadRequest, 400, err.Error())
		return
	}

	if strings.HasPrefix(strings.TrimSpace(string(raw)), "[") {
		var docs []map[string]any
		if err := json.Unmarshal(raw, &docs); err != nil {
			writeSolr(w, http.StatusBadRequest, 400, err.Error())
			return
		}
		for _, d := range docs {
			if f.FailAdd != nil && f.FailAdd(d) {
				writeSolr(w, http.StatusBadRequest, 400, "document rejected")
				return
			}
			if f.RejectAdd != nil && f.RejectAdd(d) {
				writeSolr(w, http.StatusOK, 500, "update handler error")
				return
			}
		}
		f.docs[core] = append(f.docs[core], docs...)
		writeSolr(w, http.StatusOK, 0, "")
		return
	}

	var cmd struct {
		Delete struct {
			Query string `json:"query"`
		} `json:"delete"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Delete.Query == "" {
		writeSolr(w, http.StatusBadRequest, 400, "unsupported update command")
		return
	}
	f.deletes[core] = append(f.deletes[core], cmd.Delete.Query)
	writeSolr(w, http.StatusOK, 0, "")
}

func writeSolr(w http.ResponseWriter, httpStatus, status int, msg string) {
	body := map[string]any{"responseHeader": map[string]any{"status": status, "QTime": 0}}
	if msg != "" {
		body["error"] = map[string]any{"msg": msg, "code": httpStatus}
	}
	writeJSON(w, httpStatus, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
