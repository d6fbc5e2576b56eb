package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "upstream", "simulating", "a", "real", "generation", "stream",
	"for", "development", "and", "testing", "purposes",
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newHandler builds the mock API mux.
func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": fmt.Sprintf("mock-token-%d", rand.IntN(1_000_000)),
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	})

	mux.HandleFunc("POST /v1internal:loadCodeAssist", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"cloudaicompanionProject": "mock-project",
			"currentTier":             map[string]any{"id": "free-tier"},
		})
	})

	mux.HandleFunc("POST /v1internal:onboardUser", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"done": true,
			"response": map[string]any{
				"cloudaicompanionProject": map[string]any{"id": "mock-project"},
			},
		})
	})

	mux.HandleFunc("POST /v1internal:streamGenerateContent", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)

		if cfg.QuotaRate > 0 && rand.Float64() < cfg.QuotaRate {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"code":    429,
					"status":  "RESOURCE_EXHAUSTED",
					"message": "Quota exceeded for quota metric",
				},
			})
			return
		}
		if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": map[string]any{
					"code":    500,
					"status":  "INTERNAL",
					"message": "mock internal error",
				},
			})
			return
		}

		var env struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&env)
		if env.Model == "" {
			env.Model = "gemini-2.5-flash"
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		outputWords := 0

		for i := 0; i < cfg.StreamWords; i++ {
			word := fakeWords[rand.IntN(len(fakeWords))]
			if i > 0 {
				word = " " + word
			}
			outputWords++

			rec := map[string]any{
				"response": map[string]any{
					"candidates": []any{
						map[string]any{
							"content": map[string]any{
								"role":  "model",
								"parts": []any{map[string]any{"text": word}},
							},
						},
					},
					"modelVersion": env.Model,
				},
			}
			// The final record carries the usage metadata.
			if i == cfg.StreamWords-1 {
				rec["response"].(map[string]any)["usageMetadata"] = map[string]any{
					"promptTokenCount":     12,
					"candidatesTokenCount": outputWords,
				}
			}

			data, _ := json.Marshal(rec)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{
				"code":    404,
				"status":  "NOT_FOUND",
				"message": "unknown endpoint " + strings.TrimPrefix(r.URL.Path, "/"),
			},
		})
	})

	return mux
}
