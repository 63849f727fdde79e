package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte(`{"length":2}`))
	}))
	defer srv.Close()

	body, err := httpDo(http.MethodGet, srv.URL+"/api/v1/ledger/export", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"length":2}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestHTTPDo_PostSendsJSONContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := httpDo(http.MethodPost, srv.URL, []byte(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHTTPDo_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad snapshot", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := httpDo(http.MethodPost, srv.URL, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}
