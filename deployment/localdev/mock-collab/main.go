package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

type participant struct {
	ID string `json:"id"`
}

type option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Type    string   `json:"type"`
	Min     float64  `json:"min,omitempty"`
	Max     float64  `json:"max,omitempty"`
	Step    float64  `json:"step,omitempty"`
	Options []option `json:"options,omitempty"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// GET /api/v1/studies/{id}/participants
	// GET /api/v1/studies/{id}/questions
	// POST /api/v1/studies/{id}/events
	mux.HandleFunc("/api/v1/studies/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/participants"):
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			writeJSON(w, map[string]any{
				"participants": []participant{
					{ID: "expert-ada"}, {ID: "expert-bram"}, {ID: "expert-chen"},
					{ID: "expert-dara"}, {ID: "expert-eiko"}, {ID: "expert-femi"},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/questions"):
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			writeJSON(w, map[string]any{
				"questions": []question{
					{
						ID:     "q-adoption-horizon",
						Prompt: "In how many years will the technology reach mainstream adoption?",
						Type:   "numeric-scale",
						Min:    1, Max: 20, Step: 1,
					},
					{
						ID:     "q-impact",
						Prompt: "Rate the expected impact on clinical practice.",
						Type:   "likert",
						Min:    1, Max: 5, Step: 1,
					},
					{
						ID:     "q-barrier",
						Prompt: "Which barrier matters most?",
						Type:   "multiple-choice",
						Options: []option{
							{ID: "regulation", Label: "Regulation"},
							{ID: "cost", Label: "Cost"},
							{ID: "trust", Label: "Practitioner trust"},
						},
					},
					{
						ID:     "q-risks",
						Prompt: "Describe the largest unaddressed risk.",
						Type:   "open-text",
					},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/events"):
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			var event map[string]any
			_ = json.NewDecoder(r.Body).Decode(&event)
			log.Printf("event received: %v", event)
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	logger := log.New(log.Writer(), "collab-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
