package main

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"tokenvest/auth"
	"tokenvest/grant"
	"tokenvest/schedule"
	"tokenvest/vesting"
)

type principalResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type loginResponse struct {
	Token     string            `json:"token"`
	ExpiresAt string            `json:"expiresAt"`
	Principal principalResponse `json:"principal"`
}

type modelRequest struct {
	Kind   string `json:"kind"`
	Cliff  string `json:"cliff,omitempty"`
	Phases int    `json:"phases,omitempty"`
}

type fundingRequest struct {
	Asset  string `json:"asset"`
	Source string `json:"source,omitempty"`
	Amount string `json:"amount"`
}

type createGrantRequest struct {
	Beneficiary string           `json:"beneficiary"`
	Start       string           `json:"start"`
	Duration    string           `json:"duration"`
	Revocable   bool             `json:"revocable"`
	Policy      string           `json:"policy,omitempty"`
	Model       modelRequest     `json:"model"`
	Funding     []fundingRequest `json:"funding,omitempty"`
}

type grantResponse struct {
	ID          string       `json:"id"`
	IssuerID    string       `json:"issuerId"`
	Custody     string       `json:"custody"`
	Beneficiary string       `json:"beneficiary"`
	Start       string       `json:"start"`
	End         string       `json:"end"`
	Duration    string       `json:"duration"`
	Revocable   bool         `json:"revocable"`
	Policy      string       `json:"policy"`
	Model       modelRequest `json:"model"`
	CreatedAt   string       `json:"createdAt"`
}

type positionResponse struct {
	Asset      string `json:"asset"`
	At         string `json:"at"`
	Balance    string `json:"balance"`
	Released   string `json:"released"`
	Total      string `json:"total"`
	Vested     string `json:"vested"`
	Releasable string `json:"releasable"`
	Revoked    bool   `json:"revoked"`
}

type resultResponse struct {
	GrantID   string `json:"grantId"`
	Asset     string `json:"asset"`
	Operation string `json:"operation"`
	Amount    string `json:"amount"`
	Replayed  bool   `json:"replayed"`
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	// operators are provisioned out of band
	if req.Role == auth.RoleOperator {
		writeError(w, http.StatusForbidden, "operator accounts cannot self-register")
		return
	}
	p, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrincipalResponse(*p))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		Principal: toPrincipalResponse(res.Principal),
	})
}

func (s *Server) handleGrants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListGrants(w, r)
	case http.MethodPost:
		s.handleCreateGrant(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	res, err := s.grantService.List(r.Context(), grant.Filters{
		IssuerID:    q.Get("issuer"),
		Beneficiary: q.Get("beneficiary"),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]grantResponse, 0, len(res.Items))
	for _, g := range res.Items {
		items = append(items, toGrantResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": res.Total})
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	principalID, role, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if role != auth.RoleIssuer {
		writeError(w, http.StatusForbidden, "only issuers can create grants")
		return
	}

	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	params, err := req.toParams(principalID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.grantService.Create(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantResponse(g))
}

// handleGrantDetail serves /api/grants/{id} and its asset subresources.
func (s *Server) handleGrantDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/grants/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	grantID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		g, err := s.grantService.Get(r.Context(), grantID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toGrantResponse(g))
	case len(parts) == 3 && parts[1] == "assets":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handlePosition(w, r, grantID, parts[2])
	case len(parts) == 4 && parts[1] == "assets" && parts[3] == "release":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRelease(w, r, grantID, parts[2])
	case len(parts) == 4 && parts[1] == "assets" && parts[3] == "revoke":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRevoke(w, r, grantID, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request, grantID, asset string) {
	positions, err := s.grantService.Vested(r.Context(), grantID, asset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(positions[0]))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, grantID, asset string) {
	res, err := s.grantService.Release(r.Context(), grant.ReleaseRequest{
		GrantID:        grantID,
		Asset:          asset,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, grantID, asset string) {
	principalID, _, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	res, err := s.grantService.Revoke(r.Context(), grant.RevokeRequest{
		GrantID:        grantID,
		Asset:          asset,
		CallerID:       principalID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, role, ok := principalFrom(r.Context()); !ok || role != auth.RoleOperator {
		writeError(w, http.StatusForbidden, "only operators can deposit")
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok || req.Asset == "" || req.Holder == "" {
		writeError(w, http.StatusBadRequest, "asset, holder and a positive integer amount are required")
		return
	}
	if err := s.ledgerService.Deposit(r.Context(), req.Asset, req.Holder, amount); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("asset", req.Asset).Str("holder", req.Holder).Str("amount", amount.String()).Msg("deposit recorded")
	writeJSON(w, http.StatusCreated, req)
}

// handleBalance serves /api/ledger/balances/{asset}/{holder}.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/api/ledger/balances/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	bal, err := s.ledgerService.BalanceOf(r.Context(), parts[0], parts[1])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": parts[0], "holder": parts[1], "balance": bal.String()})
}

func (req createGrantRequest) toParams(issuerID string) (grant.CreateParams, error) {
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return grant.CreateParams{}, errBadField("start must be RFC3339")
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		return grant.CreateParams{}, errBadField("duration must be a Go duration such as 8760h")
	}
	policy, err := schedule.ParsePolicy(req.Policy)
	if err != nil {
		return grant.CreateParams{}, err
	}

	var model schedule.Model
	switch schedule.Kind(req.Model.Kind) {
	case schedule.KindContinuous:
		var cliff time.Duration
		if req.Model.Cliff != "" {
			if cliff, err = time.ParseDuration(req.Model.Cliff); err != nil {
				return grant.CreateParams{}, errBadField("model.cliff must be a Go duration")
			}
		}
		model = schedule.Continuous(cliff)
	case schedule.KindPhased:
		model = schedule.Phased(req.Model.Phases)
	default:
		return grant.CreateParams{}, errBadField("model.kind must be continuous or phased")
	}

	funding := make([]grant.Funding, 0, len(req.Funding))
	for _, f := range req.Funding {
		amount, ok := parseAmount(f.Amount)
		if !ok {
			return grant.CreateParams{}, errBadField("funding amount must be a positive integer")
		}
		funding = append(funding, grant.Funding{Asset: f.Asset, Source: f.Source, Amount: amount})
	}

	return grant.CreateParams{
		IssuerID:    issuerID,
		Beneficiary: req.Beneficiary,
		Start:       start,
		Duration:    duration,
		Revocable:   req.Revocable,
		Policy:      policy,
		Model:       model,
		Funding:     funding,
	}, nil
}

type errBadField string

func (e errBadField) Error() string { return string(e) }

func parseAmount(raw string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

func toPrincipalResponse(p auth.Principal) principalResponse {
	return principalResponse{ID: p.ID, Email: p.Email, DisplayName: p.DisplayName, Role: string(p.Role)}
}

func toGrantResponse(g grant.Grant) grantResponse {
	sch := g.Schedule
	model := modelRequest{Kind: string(sch.Model.Kind)}
	switch sch.Model.Kind {
	case schedule.KindContinuous:
		model.Cliff = sch.Model.Cliff.String()
	case schedule.KindPhased:
		model.Phases = sch.Model.PhaseCount
	}
	out := grantResponse{
		ID:          g.ID,
		IssuerID:    g.IssuerID,
		Custody:     g.Custody,
		Beneficiary: sch.Beneficiary,
		Start:       sch.Start.UTC().Format(time.RFC3339),
		End:         sch.End().UTC().Format(time.RFC3339),
		Duration:    sch.Duration.String(),
		Revocable:   sch.Revocable,
		Policy:      string(sch.Policy),
		Model:       model,
	}
	if !g.CreatedAt.IsZero() {
		out.CreatedAt = g.CreatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func toPositionResponse(p vesting.Position) positionResponse {
	return positionResponse{
		Asset:      p.Asset,
		At:         p.At.UTC().Format(time.RFC3339),
		Balance:    p.Balance.String(),
		Released:   p.Released.String(),
		Total:      p.Total.String(),
		Vested:     p.Vested.String(),
		Releasable: p.Releasable.String(),
		Revoked:    p.Revoked,
	}
}

func toResultResponse(r grant.Result) resultResponse {
	return resultResponse{
		GrantID:   r.GrantID,
		Asset:     r.Asset,
		Operation: string(r.Operation),
		Amount:    r.Amount.String(),
		Replayed:  r.Replayed,
	}
}
