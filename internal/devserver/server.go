// Package devserver is the development backend for tracekit devices: it
// serves the discovery document, accepts key reports, and publishes signed
// case buckets on the standard batch boundaries. State is in memory; it
// exists to exercise devices and tests, not to be deployed.
package devserver

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/shalteor/tracekit/internal/backend"
	syncpkg "github.com/shalteor/tracekit/internal/sync"
)

// Server holds the dev backend's in-memory state.
type Server struct {
	mu            sync.Mutex
	casesByBatch  map[int64][]backend.Exposee
	hashesByBatch map[int64][]string

	baseURL         string
	exposureWindows int
	authSecret      []byte
	signKey         *ecdsa.PrivateKey
	now             func() time.Time
}

// NewServer creates a dev backend serving from baseURL.
func NewServer(baseURL string, exposureWindows int, authSecret []byte, signKey *ecdsa.PrivateKey) *Server {
	return &Server{
		casesByBatch:    make(map[int64][]backend.Exposee),
		hashesByBatch:   make(map[int64][]string),
		baseURL:         baseURL,
		exposureWindows: exposureWindows,
		authSecret:      authSecret,
		signKey:         signKey,
		now:             time.Now,
	}
}

// nextBatchReleaseTime is the boundary at which a report received now will
// be published.
func (s *Server) nextBatchReleaseTime() int64 {
	batchLength := syncpkg.BatchLength.Milliseconds()
	nowMs := s.now().UnixMilli()
	return nowMs - nowMs%batchLength + batchLength
}

// GetConfig handles GET /v1/config.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, backend.AppConfig{
		AppID:                      "tracekit-dev",
		BucketBaseURL:              s.baseURL,
		ReportBaseURL:              s.baseURL,
		NumberOfWindowsForExposure: s.exposureWindows,
	})
}

// GetExposed handles GET /v1/exposed/{batchReleaseTime}, serving the signed
// case bucket released at that boundary.
func (s *Server) GetExposed(w http.ResponseWriter, r *http.Request) {
	batch, err := strconv.ParseInt(chi.URLParam(r, "batchReleaseTime"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch release time")
		return
	}
	s.mu.Lock()
	exposed := append([]backend.Exposee(nil), s.casesByBatch[batch]...)
	s.mu.Unlock()

	s.writeSigned(w, backend.ExposedOverview{BatchReleaseTime: batch, Exposed: exposed})
}

// GetHashes handles GET /v1/hashes/{batchReleaseTime} for the auxiliary
// location-hash path.
func (s *Server) GetHashes(w http.ResponseWriter, r *http.Request) {
	batch, err := strconv.ParseInt(chi.URLParam(r, "batchReleaseTime"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch release time")
		return
	}
	s.mu.Lock()
	hashes := append([]string(nil), s.hashesByBatch[batch]...)
	s.mu.Unlock()
	if hashes == nil {
		hashes = []string{}
	}

	s.writeSigned(w, hashes)
}

// PostExposed handles POST /v1/exposed: a device disclosing its key.
func (s *Server) PostExposed(w http.ResponseWriter, r *http.Request) {
	var req backend.ExposeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	// Dummy-traffic reports are accepted and discarded.
	if req.Fake != 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	batch := s.nextBatchReleaseTime()
	s.mu.Lock()
	s.casesByBatch[batch] = append(s.casesByBatch[batch], backend.Exposee{
		Key:     req.Key,
		KeyDate: req.KeyDate,
	})
	if len(req.Hashes) > 0 {
		s.hashesByBatch[batch] = append(s.hashesByBatch[batch], req.Hashes...)
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// AuthMiddleware verifies the publication bearer token against the secret
// derived from the health-authority code.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}
		if err := backend.VerifyAuthToken(parts[1], s.authSecret); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeSigned serializes payload and attaches the Signature header the
// client verifies.
func (s *Server) writeSigned(w http.ResponseWriter, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	signature, err := backend.SignBody(body, jwt.SigningMethodES256, s.signKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Signature", signature)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// SetNow overrides the server clock. Used by simulations and tests that
// need reports to land in an already-released batch.
func (s *Server) SetNow(now func() time.Time) {
	s.now = now
}

// SetBaseURL updates the advertised base URL once the listener address is
// known.
func (s *Server) SetBaseURL(baseURL string) {
	s.baseURL = baseURL
}
