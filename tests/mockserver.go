package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

type MockServer struct {
	server *httptest.Server

	Url string

	mu       sync.Mutex
	requests []RecordedRequest
}

// MockHandler answers requests to Endpoint. An empty Method answers every method.
type MockHandler struct {
	Method      string
	Endpoint    string
	HandlerFunc http.HandlerFunc
}

type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	Body          []byte
}

func NewMockServer(handlers ...MockHandler) *MockServer {
	m := &MockServer{}

	// group by endpoint since the mux can only route on the path
	byEndpoint := map[string][]MockHandler{}
	for _, handler := range handlers {
		byEndpoint[handler.Endpoint] = append(byEndpoint[handler.Endpoint], handler)
	}

	mux := http.NewServeMux()
	for endpoint, group := range byEndpoint {
		group := group
		mux.HandleFunc(endpoint, func(w http.ResponseWriter, r *http.Request) {
			m.record(r)

			for _, handler := range group {
				if handler.Method == "" || handler.Method == r.Method {
					handler.HandlerFunc(w, r)
					return
				}
			}
			w.WriteHeader(http.StatusMethodNotAllowed)
		})
	}

	m.server = httptest.NewServer(mux)
	m.Url = m.server.URL

	return m
}

func (m *MockServer) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
	})
}

// Requests returns every request the server has seen, in arrival order
func (m *MockServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]RecordedRequest(nil), m.requests...)
}

func (m *MockServer) Close() {
	m.server.Close()
}

// RespondJSON always answers with the given status and body marshalled as JSON
func RespondJSON(status int, body interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}
