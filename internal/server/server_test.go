package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/engine"
	"phaseline/internal/store"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := engine.New(store.New(), nil, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestTransactionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	asBuyer := map[string]string{"X-Actor-Role": "BUYER"}
	asSeller := map[string]string{"X-Actor-Role": "SELLER"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions", map[string]any{
		"title":          "Laptop purchase",
		"initiator_id":   "u-1",
		"initiator_role": "BUYER",
		"start_date":     "2025-02-01",
		"end_date":       "2025-02-20",
	}, asBuyer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var tx TransactionResponse
	if err := json.Unmarshal(data, &tx); err != nil {
		t.Fatalf("unmarshal transaction: %v", err)
	}
	if tx.Status != "DRAFT" {
		t.Fatalf("status = %s, want DRAFT", tx.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+tx.ID+"/blocks", map[string]any{
		"title":      "Deposit",
		"start_date": "2025-02-01",
		"end_date":   "2025-02-20",
	}, asBuyer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add block status %d: %s", res.StatusCode, string(data))
	}
	var block BlockResponse
	_ = json.Unmarshal(data, &block)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/blocks/"+block.ID+"/rules", map[string]any{
		"work_type": "document",
		"title":     "Proof of deposit",
		"quantity":  1,
		"frequency": "ONCE",
	}, asSeller)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add rule status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+tx.ID+"/activate", nil, asBuyer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/blocks/"+block.ID+"/items", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list items status %d: %s", res.StatusCode, string(data))
	}
	var items []WorkItemResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}

	for _, step := range []string{"submit", "approve"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+items[0].ID+"/"+step, nil, asBuyer)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/blocks/"+block.ID+"/approve", nil, asBuyer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve block status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/transactions/"+tx.ID+"/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var summary SummaryResponse
	_ = json.Unmarshal(data, &summary)
	if summary.Transaction.Status != "COMPLETED" {
		t.Fatalf("final status = %s, want COMPLETED", summary.Transaction.Status)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/transactions/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", envelope.Error.Code)
	}
}

func TestOverlapConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions", map[string]any{
		"title":          "Overlap test",
		"initiator_id":   "u-1",
		"initiator_role": "SELLER",
		"start_date":     "2025-02-01",
		"end_date":       "2025-02-28",
	}, nil)
	var tx TransactionResponse
	_ = json.Unmarshal(data, &tx)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+tx.ID+"/blocks", map[string]any{
		"title": "A", "start_date": "2025-02-01", "end_date": "2025-02-10",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add block status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+tx.ID+"/blocks", map[string]any{
		"title": "B", "start_date": "2025-02-10", "end_date": "2025-02-15",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("overlap status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "overlap" {
		t.Fatalf("error code = %q, want overlap", envelope.Error.Code)
	}
}

func TestExpandTemplateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/expand", map[string]any{
		"template":     "goods-inspection",
		"start_date":   "2025-03-01",
		"initiator_id": "u-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expand status %d: %s", res.StatusCode, string(data))
	}
	var g GraphResponse
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal graph: %v", err)
	}
	if len(g.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(g.Blocks))
	}
	if g.Transaction.EndDate != "2025-03-28" {
		t.Fatalf("end date = %s", g.Transaction.EndDate)
	}
}

func TestRejectsUnknownActorRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/transactions", nil, map[string]string{"X-Actor-Role": "AUDITOR"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}
