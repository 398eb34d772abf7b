package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/logging"
	"trade-guardrails/internal/models"
	"trade-guardrails/internal/security"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type resolveRequest struct {
	Actor string `json:"actor"`
}

type priceRequest struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
}

type haltRequest struct {
	Reason string `json:"reason"`
}

type resetRequest struct {
	Period models.PnLPeriod `json:"period"`
}

// validateProposal evaluates a trade proposal.
func (s *Server) validateProposal(w http.ResponseWriter, r *http.Request) {
	var p models.TradeProposal
	if !s.decode(w, r, &p) {
		return
	}
	if err := s.checkProposal(p); err != nil {
		s.writeError(w, r, err)
		return
	}

	decision, err := s.engine.ValidateTrade(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) checkProposal(p models.TradeProposal) error {
	if err := s.validator.ValidateIdentifier("id", p.ID); err != nil {
		return err
	}
	if err := s.validator.ValidateAsset(p.Asset); err != nil {
		return err
	}
	return s.validator.ValidateAgentID(p.AgentID)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	var reqs []models.HITLRequest
	if r.URL.Query().Get("all") == "true" {
		reqs = s.engine.ListHITLRequests()
	} else {
		reqs = s.engine.GetPendingHITLRequests()
	}
	if reqs == nil {
		reqs = []models.HITLRequest{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.engine.GetHITLRequest(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, r, apperrors.ErrRequestNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// resolve approves or rejects a pending review request.
func (s *Server) resolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body resolveRequest
		if !s.decode(w, r, &body) {
			return
		}
		if err := s.validator.ValidateActor(body.Actor); err != nil {
			s.writeError(w, r, err)
			return
		}

		req, err := s.engine.ResolveHITL(r.Context(), mux.Vars(r)["id"], body.Actor, approve)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, req)
	}
}

func (s *Server) addPosition(w http.ResponseWriter, r *http.Request) {
	var p models.Position
	if !s.decode(w, r, &p) {
		return
	}
	if err := s.validator.ValidateIdentifier("id", p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validator.ValidateAsset(p.Asset); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.AddPosition(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exit, err := decimal.NewFromString(r.URL.Query().Get("exit_price"))
	if err != nil || !exit.IsPositive() {
		s.writeError(w, r, apperrors.NewValidationError("exit_price", r.URL.Query().Get("exit_price"), "must be a positive number"))
		return
	}

	pnl, ok := s.engine.ClosePosition(r.Context(), id, exit)
	if !ok {
		s.writeError(w, r, apperrors.ErrPositionNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"position_id":  id,
		"realized_pnl": pnl,
	})
}

func (s *Server) markPrice(w http.ResponseWriter, r *http.Request) {
	var body priceRequest
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.validator.ValidateAsset(body.Asset); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.engine.MarkPrice(r.Context(), body.Asset, body.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":  body.Asset,
		"marked": n,
	})
}

func (s *Server) updatePortfolio(w http.ResponseWriter, r *http.Request) {
	var u models.PortfolioUpdate
	if !s.decode(w, r, &u) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.UpdatePortfolioState(r.Context(), u))
}

func (s *Server) reducePositions(w http.ResponseWriter, r *http.Request) {
	reduction, err := s.engine.ApplyCorrelationReduction(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reduction)
}

func (s *Server) resetPnL(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.engine.ResetPnL(r.Context(), body.Period); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"period": body.Period})
}

func (s *Server) halt(w http.ResponseWriter, r *http.Request) {
	var body haltRequest
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	changed := s.engine.HaltTrading(r.Context(), security.SanitizeText(body.Reason))
	_, reason := s.engine.Halted()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted":  true,
		"changed": changed,
		"reason":  reason,
	})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	changed := s.engine.ResumeTrading(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted":  false,
		"changed": changed,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetStatus())
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.engine.GenerateReport()))
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeErrorCode(w, r, http.StatusNotFound, "not_found", "route not found")
}

// decode reads a JSON body. It writes a 400 and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeErrorCode(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps a domain error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.writeErrorCode(w, r, status, code, err.Error())
}

func (s *Server) writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		Code:      status,
		RequestID: logging.RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func statusFor(err error) (int, string) {
	var (
		readOnly *security.ReadOnlyError
		inputErr *security.ValidationError
		fieldErr *apperrors.ValidationError
	)
	switch {
	case errors.As(err, &readOnly):
		return http.StatusForbidden, "read_only"
	case errors.Is(err, apperrors.ErrInvalidProposal),
		errors.Is(err, apperrors.ErrInvalidPosition),
		errors.As(err, &inputErr),
		errors.As(err, &fieldErr):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, apperrors.ErrRequestNotFound),
		errors.Is(err, apperrors.ErrPositionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrRequestExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, apperrors.ErrRequestNotPending),
		errors.Is(err, apperrors.ErrDuplicatePosition):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
