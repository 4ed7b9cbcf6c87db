package gigescrowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifyAndCallback(t *testing.T) {
	var gotAuth, gotKey string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/gigs/7/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("verify method %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"gig_id": 7, "request_id": "0xabc"})
	})
	mux.HandleFunc("/v1/oracle/callbacks", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		var body struct {
			RequestID string         `json:"request_id"`
			Outcome   map[string]any `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		if body.RequestID != "0xabc" || body.Outcome["confirmed"] != true {
			t.Errorf("unexpected callback body: %+v", body)
		}
		json.NewEncoder(w).Encode(Resolution{GigID: 7, RequestID: body.RequestID, Confirmed: true, Released: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	reqID, err := c.Verify(context.Background(), 7)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if reqID != "0xabc" || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected verify result %q auth %q", reqID, gotAuth)
	}

	oracleClient := New(srv.URL)
	oracleClient.APIKey = "key"
	res, err := oracleClient.Callback(context.Background(), reqID, true, "")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !res.Released || gotKey != "key" {
		t.Fatalf("unexpected resolution %+v key %q", res, gotKey)
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"verification_pending","message":"gig 1: verification already pending"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Verify(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "verification_pending" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestListGigsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/gigs" {
			t.Errorf("path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("open") != "true" || q.Get("limit") != "5" || q.Get("depositor") != "0x01" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(PaginatedGigs{Items: []Gig{{ID: 1, Open: true}}, NextCursor: "1"})
	}))
	defer srv.Close()

	open := true
	page, err := New(srv.URL).ListGigs(context.Background(), ListGigsOptions{Depositor: "0x01", Open: &open, Limit: 5})
	if err != nil {
		t.Fatalf("list gigs: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor != "1" {
		t.Fatalf("unexpected page: %+v", page)
	}
}
