// Command notes-backend runs a small in-memory REST notes service. It is the
// sample backend for an autostarted "notes" driver and for integration
// tests.
//
// Configuration:
//
//	DRIVER_PORT - Listen port, set by the process launcher (default: 9090)
//
// Endpoints:
//
//	GET    /health          liveness check
//	GET    /openapi.json    the service's OpenAPI document
//	GET    /notes           list notes
//	POST   /notes           create a note {"title","body"}
//	GET    /notes/{id}      fetch a note
//	DELETE /notes/{id}      delete a note
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("DRIVER_PORT")
	if port == "" {
		port = "9090"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newStore().routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("notes backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("notes backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("notes backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

type note struct {
	ID      int       `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

type store struct {
	mu     sync.Mutex
	nextID int
	notes  map[int]note
}

func newStore() *store {
	return &store{nextID: 1, notes: make(map[int]note)}
}

func (s *store) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openAPIDocument))
	})
	mux.HandleFunc("GET /notes", s.list)
	mux.HandleFunc("POST /notes", s.create)
	mux.HandleFunc("GET /notes/{id}", s.get)
	mux.HandleFunc("DELETE /notes/{id}", s.delete)
	return mux
}

func (s *store) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b note) int { return a.ID - b.ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *store) create(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if in.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	s.mu.Lock()
	n := note{ID: s.nextID, Title: in.Title, Body: in.Body, Created: time.Now().UTC()}
	s.notes[n.ID] = n
	s.nextID++
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, n)
}

func (s *store) get(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	n, found := s.notes[id]
	s.mu.Unlock()
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *store) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	_, found := s.notes[id]
	delete(s.notes, id)
	s.mu.Unlock()
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "note not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func noteID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

const openAPIDocument = `{
  "openapi": "3.0.3",
  "info": {"title": "Notes", "version": "1.0.0"},
  "paths": {
    "/notes": {
      "get": {"operationId": "listNotes", "summary": "List all notes"},
      "post": {
        "operationId": "createNote",
        "summary": "Create a note",
        "requestBody": {"content": {"application/json": {"schema": {
          "type": "object",
          "required": ["title"],
          "properties": {"title": {"type": "string"}, "body": {"type": "string"}}
        }}}}
      }
    },
    "/notes/{id}": {
      "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}],
      "get": {"operationId": "getNote", "summary": "Fetch a note"},
      "delete": {"operationId": "deleteNote", "summary": "Delete a note"}
    }
  }
}
`
