package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"tokenvest/auth"
	"tokenvest/grant"
	"tokenvest/ledger"
	"tokenvest/vesting"
)

type contextKey string

const (
	ctxKeyPrincipalID contextKey = "principal_id"
	ctxKeyRole        contextKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Principal, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type grantService interface {
	Create(ctx context.Context, params grant.CreateParams) (grant.Grant, error)
	Get(ctx context.Context, id string) (grant.Grant, error)
	List(ctx context.Context, filters grant.Filters) (grant.ListResult, error)
	Vested(ctx context.Context, grantID string, assets ...string) ([]vesting.Position, error)
	Release(ctx context.Context, req grant.ReleaseRequest) (grant.Result, error)
	Revoke(ctx context.Context, req grant.RevokeRequest) (grant.Result, error)
}

type ledgerService interface {
	BalanceOf(ctx context.Context, asset, holder string) (*big.Int, error)
	Deposit(ctx context.Context, asset, holder string, amount *big.Int) error
}

type Server struct {
	authService   authService
	grantService  grantService
	ledgerService ledgerService
	log           zerolog.Logger
}

func NewServer(authSvc authService, grants grantService, led ledgerService, log zerolog.Logger) *Server {
	return &Server{
		authService:   authSvc,
		grantService:  grants,
		ledgerService: led,
		log:           log,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/grants", s.handleGrants)
	mux.HandleFunc("/api/grants/", s.handleGrantDetail)
	mux.HandleFunc("/api/ledger/deposits", s.handleDeposit)
	mux.HandleFunc("/api/ledger/balances/", s.handleBalance)

	var h http.Handler = s.authenticate(mux)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(h)
	h = hlog.RemoteAddrHandler("remote")(h)
	return hlog.NewHandler(s.log)(h)
}

// authenticate attaches the bearer principal to the request context. Requests
// without a token pass through anonymously; handlers decide what they need.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "malformed authorization header")
			return
		}
		principalID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipalID, principalID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) (string, auth.Role, bool) {
	id, _ := ctx.Value(ctxKeyPrincipalID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return id, role, id != ""
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vesting.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vesting.ErrNothingToRelease),
		errors.Is(err, vesting.ErrNotRevocable),
		errors.Is(err, vesting.ErrAlreadyRevoked),
		errors.Is(err, grant.ErrIdempotencyKeyConflict),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vesting.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, grant.ErrNotFound):
		writeError(w, http.StatusNotFound, "grant not found")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRegistration), errors.Is(err, ledger.ErrInvalidTransfer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vesting.ErrLedgerTransferFailed), errors.Is(err, ledger.ErrInsufficientFunds):
		hlog.FromRequest(r).Warn().Err(err).Msg("ledger transfer failed")
		writeError(w, http.StatusBadGateway, "ledger transfer failed")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
