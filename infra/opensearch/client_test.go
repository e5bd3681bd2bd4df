package opensearch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mstgnz/nativepay/infra/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeCluster answers the handful of endpoints the logger touches.
type fakeCluster struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	indices  map[string]bool
	docs     map[string][]json.RawMessage
	status   int
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()
	fc := &fakeCluster{
		indices: map[string]bool{},
		docs:    map[string][]json.RawMessage{},
	}
	fc.Server = httptest.NewServer(http.HandlerFunc(fc.handle))
	t.Cleanup(fc.Close)
	return fc
}

func (fc *fakeCluster) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.requests = append(fc.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: string(body)})

	w.Header().Set("Content-Type", "application/json")
	if fc.status != 0 {
		w.WriteHeader(fc.status)
		_, _ = w.Write([]byte(`{"error":"forced"}`))
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/":
		_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"},"tagline":"The OpenSearch Project: https://opensearch.org/"}`))
	case len(parts) == 1 && r.Method == http.MethodHead:
		if fc.indices[parts[0]] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case len(parts) == 1 && r.Method == http.MethodPut:
		fc.indices[parts[0]] = true
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case len(parts) >= 2 && parts[1] == "_doc":
		fc.docs[parts[0]] = append(fc.docs[parts[0]], json.RawMessage(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	case len(parts) == 2 && parts[1] == "_search":
		hits := make([]map[string]json.RawMessage, 0, len(fc.docs[parts[0]]))
		for _, d := range fc.docs[parts[0]] {
			hits = append(hits, map[string]json.RawMessage{"_source": d})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fc *fakeCluster) setStatus(code int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.status = code
}

func (fc *fakeCluster) recorded() []recordedRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]recordedRequest(nil), fc.requests...)
}

func (fc *fakeCluster) documents(index string) []json.RawMessage {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]json.RawMessage(nil), fc.docs[index]...)
}

func (fc *fakeCluster) hasIndex(index string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.indices[index]
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.AppConfig
	}{
		{"no_auth", &config.AppConfig{OpenSearchURL: "http://localhost:9200"}},
		{"with_auth", &config.AppConfig{OpenSearchURL: "http://localhost:9200", OpenSearchUser: "admin", OpenSearchPass: "admin"}},
		{"insecure_tls", &config.AppConfig{OpenSearchURL: "https://localhost:9200", OpenSearchInsecure: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			require.NoError(t, err)
			assert.NotNil(t, client.GetClient())
			assert.False(t, client.IsEnabled())
		})
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(&config.AppConfig{OpenSearchURL: "://bad"})
	assert.Error(t, err)
}

func TestNewClient_CreatesIndices(t *testing.T) {
	fc := newFakeCluster(t)

	client, err := NewClient(&config.AppConfig{OpenSearchURL: fc.URL, EnableLogging: true})
	require.NoError(t, err)
	assert.True(t, client.IsEnabled())

	assert.True(t, fc.hasIndex("nativepay-wechatpay-calls"))
	assert.True(t, fc.hasIndex("nativepay-system-logs"))

	var created int
	for _, r := range fc.recorded() {
		if r.Method == http.MethodPut {
			created++
			assert.Contains(t, r.Body, `"mappings"`)
		}
	}
	assert.Equal(t, 2, created)

	// Existing indices are left alone.
	_, err = NewClient(&config.AppConfig{OpenSearchURL: fc.URL, EnableLogging: true})
	require.NoError(t, err)
	created = 0
	for _, r := range fc.recorded() {
		if r.Method == http.MethodPut {
			created++
		}
	}
	assert.Equal(t, 2, created)
}

func TestClient_GetLogIndexName(t *testing.T) {
	client := &Client{config: &config.AppConfig{}}
	assert.Equal(t, "nativepay-wechatpay-calls", client.GetLogIndexName("wechatpay"))
}

func TestClient_Ping(t *testing.T) {
	fc := newFakeCluster(t)
	client, err := NewClient(&config.AppConfig{OpenSearchURL: fc.URL})
	require.NoError(t, err)

	assert.NoError(t, client.Ping(t.Context()))

	fc.setStatus(http.StatusUnauthorized)
	assert.Error(t, client.Ping(t.Context()))
}
