package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNotesLifecycle(t *testing.T) {
	srv := httptest.NewServer(newStore().routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/notes", "application/json", strings.NewReader(`{"title":"groceries","body":"milk"}`))
	if err != nil {
		t.Fatal(err)
	}
	var created note
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID != 1 || created.Title != "groceries" {
		t.Fatalf("create = %d %+v", resp.StatusCode, created)
	}

	resp, err = http.Get(srv.URL + "/notes")
	if err != nil {
		t.Fatal(err)
	}
	var list []note
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].Body != "milk" {
		t.Errorf("list = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/notes/1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/notes/1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted note status = %d", resp.StatusCode)
	}
}

func TestNotesValidation(t *testing.T) {
	h := newStore().routes()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing title", http.MethodPost, "/notes", `{"body":"x"}`, http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/notes", `{`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/notes/abc", "", http.StatusBadRequest},
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"openapi", http.MethodGet, "/openapi.json", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestOpenAPIDocumentIsValidJSON(t *testing.T) {
	if !json.Valid([]byte(openAPIDocument)) {
		t.Fatal("embedded OpenAPI document is not valid JSON")
	}
}
