package custodian

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/session"
)

const maxRequestBytes = 4 << 20

// Error codes carried in the JSON error body.
const (
	CodeNoAccess          = "no_access"
	CodeCredentialExpired = "credential_expired"
	CodeInvalidCredential = "invalid_credential"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

type fetchItem struct {
	ID          string `json:"id"`
	SealedShare []byte `json:"sealed_share"`
}

type fetchRequest struct {
	Certificate  session.Certificate `json:"certificate"`
	RequestToken string              `json:"request_token"`
	Proof        []byte              `json:"proof"`
	Items        []fetchItem         `json:"items"`
}

type fetchResponse struct {
	Shares [][]byte `json:"shares"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Option configures a Server.
type Option func(*Server)

// Server exposes a Custodian over HTTP.
type Server struct {
	mux       *http.ServeMux
	custodian *Custodian
	log       *slog.Logger
}

// NewServer wraps c.
func NewServer(c *Custodian, opts ...Option) *Server { // A
	s := &Server{
		mux:       http.NewServeMux(),
		custodian: c,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

func (s *Server) routes() { // AC
	s.mux.HandleFunc("POST /v1/fetch_key", s.handleFetchKey)
	s.mux.HandleFunc("GET /v1/service", s.handleService)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.custodian.Info())
}

func (s *Server) handleFetchKey(w http.ResponseWriter, r *http.Request) { // A
	var body fetchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	req := Request{
		Certificate: body.Certificate,
		Token:       body.RequestToken,
		Proof:       body.Proof,
		Items:       make([]Item, 0, len(body.Items)),
	}
	for _, it := range body.Items {
		id, err := identifier.ParseID(it.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		req.Items = append(req.Items, Item{ID: id, Sealed: it.SealedShare})
	}

	resp, err := s.custodian.FetchShares(r.Context(), req)
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			s.log.Error("failed to fetch shares", "error", err)
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fetchResponse{Shares: resp.Shares})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, sealerr.ErrNoAccess):
		return http.StatusForbidden, CodeNoAccess
	case errors.Is(err, sealerr.ErrCredentialExpired):
		return http.StatusUnauthorized, CodeCredentialExpired
	case errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, session.ErrInvalidSignature),
		errors.Is(err, session.ErrInvalidTTL):
		return http.StatusUnauthorized, CodeInvalidCredential
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
