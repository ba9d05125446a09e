// Package mockserver is a stand-in chat-completion endpoint that captures
// every incoming request to a sequentially numbered file.
package mockserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wesm/gfi-provenance/internal/models"
)

const (
	// SequenceFile holds the last sequence number handed out
	SequenceFile = "sequence.txt"

	maxBodyBytes = 16 << 20
)

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

var requiredFields = []string{"messages", "model", "max_tokens", "stream"}

// Server handles HTTP requests
type Server struct {
	Router *chi.Mux
	dir    string

	// serialises the counter within this process only; separate processes
	// sharing dir can still race
	mu sync.Mutex
}

// NewServer creates a new mock server writing captures into dir
func NewServer(dir string) (*Server, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create request directory: %w", err)
	}

	s := &Server{dir: dir}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/health", s.healthCheck)
	r.Post("/chat/completions", s.chat)

	s.Router = r
}

// healthCheck returns server health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// chat validates a chat-completion request and captures it to disk
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	path, err := s.capture(req)
	if err != nil {
		log.Printf("Failed to capture request: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "failed to save request"})
		return
	}

	log.Printf("Request saved in %s", path)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Data processed",
		"file":    path,
	})
}

// decodeChatRequest parses the body and checks that every field is present
// and every message role is one of system, user or assistant
func decodeChatRequest(body io.Reader) (*models.ChatRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := raw[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}

	var req models.ChatRequest
	fields := map[string]interface{}{
		"messages":   &req.Messages,
		"model":      &req.Model,
		"max_tokens": &req.MaxTokens,
		"stream":     &req.Stream,
	}
	for _, f := range requiredFields {
		if err := json.Unmarshal(raw[f], fields[f]); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f, err)
		}
	}

	if err := ValidateMessages(req.Messages); err != nil {
		return nil, err
	}
	return &req, nil
}

// ValidateMessages checks every message role
func ValidateMessages(msgs []models.ChatMessage) error {
	for i, m := range msgs {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d]: role must be 'system', 'user', or 'assistant', got %q", i, m.Role)
		}
	}
	return nil
}

// capture writes the request to the next request_<n>.txt and returns its path
func (s *Server) capture(req *models.ChatRequest) (string, error) {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := NextSequenceNumber(s.dir)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, RequestFileName(n))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write request: %w", err)
	}
	return path, nil
}

// RequestFileName returns the capture file name for sequence number n
func RequestFileName(n int) string {
	return fmt.Sprintf("request_%d.txt", n)
}

// NextSequenceNumber reads the counter in dir, increments it and writes it back.
// A missing counter file counts as 0. There is no file locking.
func NextSequenceNumber(dir string) (int, error) {
	path := filepath.Join(dir, SequenceFile)

	n := 0
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		n, err = strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	n++
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)), 0644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
