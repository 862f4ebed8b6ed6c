package httptransport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/c0deZ3R0/possync"
	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/c0deZ3R0/possync/logging"
)

func newTestClient(serverURL string, opts ...Option) *Client {
	opts = append([]Option{
		WithBackoffFactory(NoDelayBackoff),
		WithLogger(logging.Discard()),
	}, opts...)
	return NewClient(serverURL, "test-token", opts...)
}

func testRecords() []possync.Record {
	return []possync.Record{
		{LocalID: "1", UUID: "u-1", Payload: map[string]any{"nome": "cafe", "preco": 12.5}},
		{LocalID: "2", UUID: "u-2", Payload: map[string]any{"nome": "leite", "preco": 6.0}},
	}
}

func TestPushSendsExpectedRequest(t *testing.T) {
	var gotBody pushRequest
	var gotAuth, gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/produtos" {
			t.Errorf("path = %s, want /produtos", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"conflicts": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Push(context.Background(), "/produtos", testRecords())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if len(gotBody.Data) != 2 {
		t.Fatalf("body data = %d records, want 2", len(gotBody.Data))
	}
	if gotBody.Data[0]["id"] != "1" || gotBody.Data[0]["nome"] != "cafe" {
		t.Errorf("first wire record = %v", gotBody.Data[0])
	}
	if gotBody.Data[0]["uuid"] != "u-1" {
		t.Errorf("first wire record uuid = %v", gotBody.Data[0]["uuid"])
	}
	if len(result.Conflicts) != 0 {
		t.Errorf("conflicts = %v, want none", result.Conflicts)
	}
}

func TestPushParsesConflicts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// local_id as a JSON number exercises the tolerant identifier
		// decoding some backends need.
		w.Write([]byte(`{"conflicts": [
			{"local_id": 7, "server_data": {"nome":"açúcar"}, "local_data": {"nome":"acucar"}},
			{"local_id": "9", "server_data": {}, "local_data": {}}
		]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Push(context.Background(), "/produtos", testRecords())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if len(result.Conflicts) != 2 {
		t.Fatalf("conflicts = %d, want 2", len(result.Conflicts))
	}
	if result.Conflicts[0].LocalID != "7" {
		t.Errorf("first conflict local id = %q, want \"7\"", result.Conflicts[0].LocalID)
	}
	if string(result.Conflicts[0].ServerData) != `{"nome":"açúcar"}` {
		t.Errorf("server data = %s", result.Conflicts[0].ServerData)
	}
	if result.Conflicts[1].LocalID != "9" {
		t.Errorf("second conflict local id = %q, want \"9\"", result.Conflicts[1].LocalID)
	}
}

func TestPushEmptyBatchSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Push(context.Background(), "/produtos", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("requests = %d, want 0 for an empty batch", calls.Load())
	}
}

func TestPullSendsQueryParams(t *testing.T) {
	last := time.Date(2025, 6, 1, 12, 0, 0, 500, time.UTC)
	var gotQuery map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"last_sync": r.URL.Query().Get("last_sync"),
			"limit":     r.URL.Query().Get("limit"),
			"offset":    r.URL.Query().Get("offset"),
		}
		w.Write([]byte(`{"data": [], "has_more": false}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Pull(context.Background(), "/vendas", possync.PullQuery{
		LastSync: last,
		Limit:    1000,
		Offset:   2000,
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if want := last.Format(time.RFC3339Nano); gotQuery["last_sync"] != want {
		t.Errorf("last_sync = %q, want %q", gotQuery["last_sync"], want)
	}
	if gotQuery["limit"] != "1000" || gotQuery["offset"] != "2000" {
		t.Errorf("limit/offset = %q/%q", gotQuery["limit"], gotQuery["offset"])
	}
}

func TestPullOmitsZeroWatermark(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("last_sync") {
			t.Error("last_sync must be omitted for a first-ever pull")
		}
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Pull(context.Background(), "/vendas", possync.PullQuery{Limit: 100}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
}

func TestPullDecodesRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": [
				{"id": 42, "uuid": "u-42", "nome": "cafe", "preco": 12.5},
				{"id": "43", "nome": "leite"}
			],
			"has_more": true
		}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	page, err := client.Pull(context.Background(), "/produtos", possync.PullQuery{Limit: 10})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if !page.HasMore {
		t.Error("has_more = false, want true")
	}
	if len(page.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(page.Records))
	}

	first := page.Records[0]
	if first.LocalID != "42" || first.UUID != "u-42" {
		t.Errorf("identity = (%q, %q), want (42, u-42)", first.LocalID, first.UUID)
	}
	if first.Payload["nome"] != "cafe" || first.Payload["preco"] != 12.5 {
		t.Errorf("payload = %v", first.Payload)
	}
	if _, ok := first.Payload["uuid"]; ok {
		t.Error("uuid must not leak into the payload")
	}
	if page.Records[1].LocalID != "43" {
		t.Errorf("second record id = %q, want \"43\"", page.Records[1].LocalID)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithMaxRetries(3))
	if _, err := client.Pull(context.Background(), "/produtos", possync.PullQuery{Limit: 10}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3 (two failures then success)", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithMaxRetries(2))
	_, err := client.Pull(context.Background(), "/produtos", possync.PullQuery{Limit: 10})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !syncErrors.HasCode(err, syncErrors.ErrCodeNetworkFailure) {
		t.Errorf("error = %v, want NETWORK_FAILURE", err)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", calls.Load())
	}
}

func TestNegativeMaxRetriesMeansSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithMaxRetries(-1))
	if _, err := client.Pull(context.Background(), "/produtos", possync.PullQuery{Limit: 10}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithMaxRetries(5))
	_, err := client.Push(context.Background(), "/produtos", testRecords())
	if err == nil {
		t.Fatal("expected auth error")
	}
	if !syncErrors.IsAuthFailure(err) {
		t.Errorf("error = %v, want AUTH_FAILURE", err)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (auth is terminal)", calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithMaxRetries(5))
	_, err := client.Push(context.Background(), "/produtos", testRecords())
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !syncErrors.HasCode(err, syncErrors.ErrCodeRemoteRejected) {
		t.Errorf("error = %v, want REMOTE_REJECTED", err)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

// Retried attempts resend the exact same payload so the server can
// deduplicate.
func TestRetriedPushResendsSameBody(t *testing.T) {
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, data)
		if len(bodies) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"conflicts": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithMaxRetries(2))
	if _, err := client.Push(context.Background(), "/produtos", testRecords()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if len(bodies) != 2 {
		t.Fatalf("attempts = %d, want 2", len(bodies))
	}
	if string(bodies[0]) != string(bodies[1]) {
		t.Error("retried body differs from the original")
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(server.URL, WithMaxRetries(10))
	if _, err := client.Pull(ctx, "/produtos", possync.PullQuery{Limit: 10}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestMalformedResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Pull(context.Background(), "/produtos", possync.PullQuery{Limit: 10}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/produtos" {
			t.Errorf("path = %s, want /produtos", r.URL.Path)
		}
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL + "/")
	if _, err := client.Pull(context.Background(), "/produtos", possync.PullQuery{Limit: 10}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
}
