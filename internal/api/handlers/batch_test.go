package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/drfirst/rxledger/internal/batch"
	"github.com/drfirst/rxledger/internal/domain/prescription"
)

const canonicalInput = "Nick A created\nMark B created\nMark B filled\nMark C filled\nMark B returned\n" +
	"John E created\nMark B filled\nMark B filled\nPaul D filled\nJohn E filled\nJohn E returned\n"

type memoryStore struct {
	mu      sync.Mutex
	batches map[string]*prescription.Batch
}

func (s *memoryStore) Save(ctx context.Context, b *prescription.Batch, hooks ...prescription.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batches == nil {
		s.batches = map[string]*prescription.Batch{}
	}
	s.batches[b.ID] = b
	return nil
}

func (s *memoryStore) Load(ctx context.Context, id string) (*prescription.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", prescription.ErrBatchNotFound, id)
	}
	return b, nil
}

func newServer(store batch.Store) http.Handler {
	return NewBatchHandler(batch.NewRunner(store, nil, nil), nil).Routes()
}

func TestCreateReportText(t *testing.T) {
	srv := newServer(nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(canonicalInput)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	want := "Mark: 2 fills $9 income\nJohn: 0 fills -$1 income\nNick: 0 fills $0 income\n"
	if rec.Body.String() != want {
		t.Errorf("body =\n%s\nwant\n%s", rec.Body, want)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestCreateReportJSON(t *testing.T) {
	srv := newServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(canonicalInput))
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SourceHeader, "upload.txt")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var res batch.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Source != "upload.txt" || len(res.Summaries) != 3 || res.Summaries[0].Name != "Mark" {
		t.Errorf("result = %+v", res)
	}
	if res.Persisted {
		t.Error("nothing should be persisted without a store")
	}
}

func TestCreateReportMalformed(t *testing.T) {
	srv := newServer(nil)
	body := "Nick A created\nMark B created\nNick A\nMark B filled\n"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(body)))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
		Line  int    `json:"line"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Line != 3 || !strings.Contains(resp.Error, "Nick A") {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateBatch(t *testing.T) {
	srv := newServer(nil)
	body := `{"source":"pos","events":[
		{"patient":"Mark","drug":"B","event":"created"},
		{"patient":"Mark","drug":"B","event":"filled","count":3},
		{"patient":"Mark","drug":"B","event":"returned"},
		{"patient":"Nick","drug":"","event":"created"},
		{"patient":"Mark","drug":"B","event":"filled","count":5000}
	]}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp CreateBatchResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Report) != 1 || resp.Report[0] != "Mark: 2 fills $9 income" {
		t.Errorf("report = %q", resp.Report)
	}
	if len(resp.Statuses) != 5 {
		t.Fatalf("statuses = %d, want 5", len(resp.Statuses))
	}
	for i, accepted := range []bool{true, true, true, false, false} {
		if resp.Statuses[i].Accepted != accepted {
			t.Errorf("status[%d] = %+v, want accepted=%v", i, resp.Statuses[i], accepted)
		}
	}
	if !strings.Contains(resp.Statuses[3].Error, "drug") {
		t.Errorf("status[3] error = %q", resp.Statuses[3].Error)
	}
}

func TestCreateBatchBadBody(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batches", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetBatch(t *testing.T) {
	store := &memoryStore{}
	srv := newServer(store)

	req := httptest.NewRequest(http.MethodPost, "/reports", strings.NewReader(canonicalInput))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var created batch.Result
	json.NewDecoder(rec.Body).Decode(&created)
	if !created.Persisted {
		t.Fatal("batch was not persisted")
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/"+created.BatchID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var replayed batch.Result
	json.NewDecoder(rec.Body).Decode(&replayed)
	if strings.Join(replayed.Report, "|") != strings.Join(created.Report, "|") {
		t.Errorf("replayed report = %q, want %q", replayed.Report, created.Report)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing batch status = %d, want 404", rec.Code)
	}
}

func TestGetBatchWithoutPersistence(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/batches/x", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}
