package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeflow/apperr"
	"tradeflow/auth"
	"tradeflow/dispatch"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/metrics"
	"tradeflow/notify"
	"tradeflow/offer"
	"tradeflow/payment"
	"tradeflow/vcode"
)

const headerIdempotencyKey = "Idempotency-Key"

type lotService interface {
	Register(ctx context.Context, params lot.RegisterParams) (lot.Lot, error)
	AssessFees(ctx context.Context, lotID, custodianID string, amount decimal.Decimal) (lot.Lot, error)
	Authorize(ctx context.Context, lotID, custodianID string) (lot.Lot, error)
	Archive(ctx context.Context, lotID, custodianID string) (lot.Lot, error)
	Get(ctx context.Context, lotID string) (lot.Aggregate, error)
	History(ctx context.Context, lotID string) ([]ledger.HistoryEntry, error)
}

type offerService interface {
	CreateOffer(ctx context.Context, req offer.CreateOfferRequest) ([]lot.Offer, error)
	WithdrawOffer(ctx context.Context, offerID, actor string) (lot.Offer, error)
	GetOffer(ctx context.Context, offerID string) (lot.Offer, error)
	ListOffers(ctx context.Context, lotID string) ([]lot.Offer, error)
	Accept(ctx context.Context, req offer.AcceptRequest) (offer.AcceptResult, error)
	ProposeCounter(ctx context.Context, req offer.ProposeCounterRequest) (lot.CounterOffer, error)
	RespondCounter(ctx context.Context, req offer.RespondCounterRequest) (offer.RespondResult, error)
	GetCounter(ctx context.Context, counterID string) (lot.CounterOffer, error)
}

type paymentService interface {
	RequestPayment(ctx context.Context, req payment.Request) (payment.Workflow, error)
	ConfirmPayment(ctx context.Context, req payment.Request) (payment.Workflow, error)
	ValidatePayment(ctx context.Context, req payment.Request) (payment.Workflow, error)
	GetPayment(ctx context.Context, lotID string) (payment.Workflow, error)
}

type dispatchService interface {
	ScheduleDispatch(ctx context.Context, req dispatch.ScheduleRequest) (dispatch.Request, error)
	ConfirmDispatch(ctx context.Context, requestID, custodian string) (dispatch.Request, error)
	CancelDispatch(ctx context.Context, requestID, actor string) (dispatch.Request, error)
	GetDispatch(ctx context.Context, lotID string) (dispatch.Book, error)
}

type codeService interface {
	IssueCode(ctx context.Context, lotID, offerID, actor string) (vcode.Code, error)
	RedeemCode(ctx context.Context, req vcode.RedeemRequest) (vcode.Code, error)
	Get(ctx context.Context, value, actor string) (vcode.Code, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

// Server exposes the settlement operations over HTTP.
type Server struct {
	lotService      lotService
	offerService    offerService
	paymentService  paymentService
	dispatchService dispatchService
	codeService     codeService
	tokens          tokenVerifier
	hub             *notify.Hub
	limiter         *rateLimiter
	logger          zerolog.Logger
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)
		if s.limiter != nil {
			api.Use(s.limiter.Handler)
		}

		api.Post("/lots", s.handleRegisterLot)
		api.Route("/lots/{lotID}", func(lr chi.Router) {
			lr.Get("/", s.handleGetLot)
			lr.Get("/history", s.handleLotHistory)
			lr.Post("/fees", s.handleAssessFees)
			lr.Post("/authorize", s.handleAuthorize)
			lr.Post("/archive", s.handleArchive)
			lr.Get("/offers", s.handleListOffers)
			lr.Post("/offers", s.handleCreateOffer)
			lr.Post("/offers/{offerID}/code", s.handleIssueCode)
			lr.Get("/payment", s.handleGetPayment)
			lr.Post("/payment/{step}", s.handlePaymentStep)
			lr.Get("/dispatch", s.handleGetDispatch)
			lr.Post("/dispatch", s.handleScheduleDispatch)
		})

		api.Get("/offers/{offerID}", s.handleGetOffer)
		api.Post("/offers/{offerID}/withdraw", s.handleWithdrawOffer)
		api.Post("/offers/{offerID}/accept", s.handleAccept)
		api.Post("/offers/{offerID}/counters", s.handleProposeCounter)
		api.Get("/counters/{counterID}", s.handleGetCounter)
		api.Post("/counters/{counterID}/respond", s.handleRespondCounter)
		api.Post("/dispatches/{requestID}/confirm", s.handleConfirmDispatch)
		api.Post("/dispatches/{requestID}/cancel", s.handleCancelDispatch)
		api.Get("/codes/{code}", s.handleGetCode)
		api.Post("/codes/{code}/redeem", s.handleRedeemCode)
		api.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		actor, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

func actorFrom(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "missing actor")
		return auth.Actor{}, false
	}
	return actor, true
}

// --- lots ---

type registerLotRequest struct {
	OwnerID   string          `json:"ownerId"`
	Commodity string          `json:"commodity"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	Grade     string          `json:"grade"`
	Origin    lot.Origin      `json:"origin"`
}

func (s *Server) handleRegisterLot(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if actor.Role != auth.RoleCustodian {
		writeErrorMessage(w, http.StatusForbidden, string(apperr.KindNotAuthorized), "only custodians register lots")
		return
	}
	var body registerLotRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	created, err := s.lotService.Register(r.Context(), lot.RegisterParams{
		CustodianID:    actor.ID,
		OwnerID:        body.OwnerID,
		Commodity:      body.Commodity,
		Quantity:       body.Quantity,
		Unit:           body.Unit,
		Grade:          body.Grade,
		Origin:         body.Origin,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetLot(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	agg, err := s.lotService.Get(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg.RedactedFor(actor.ID))
}

func (s *Server) handleLotHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.lotService.History(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleAssessFees(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	updated, err := s.lotService.AssessFees(r.Context(), chi.URLParam(r, "lotID"), actor.ID, body.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	updated, err := s.lotService.Authorize(r.Context(), chi.URLParam(r, "lotID"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	updated, err := s.lotService.Archive(r.Context(), chi.URLParam(r, "lotID"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- offers ---

type createOfferRequest struct {
	Mode           lot.Distribution `json:"mode"`
	CounterpartyID string           `json:"counterpartyId"`
	Scope          lot.Scope        `json:"scope"`
	ScopeValue     string           `json:"scopeValue"`
	Recipients     []string         `json:"recipients"`
	Terms          lot.Terms        `json:"terms"`
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body createOfferRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	offers, err := s.offerService.CreateOffer(r.Context(), offer.CreateOfferRequest{
		LotID:          chi.URLParam(r, "lotID"),
		Originator:     actor.ID,
		Mode:           body.Mode,
		CounterpartyID: body.CounterpartyID,
		Scope:          body.Scope,
		ScopeValue:     body.ScopeValue,
		Recipients:     body.Recipients,
		Terms:          body.Terms,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"items": offers})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.offerService.ListOffers(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": offers})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.offerService.GetOffer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	o, err := s.offerService.WithdrawOffer(r.Context(), chi.URLParam(r, "offerID"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	result, err := s.offerService.Accept(r.Context(), offer.AcceptRequest{
		OfferID:        chi.URLParam(r, "offerID"),
		Claimant:       actor.ID,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyTaken) && result.Offer.ID != "" {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": errorBody{Kind: string(apperr.KindAlreadyTaken), Message: "offer no longer available"},
				"offer": result.Offer,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type proposeCounterRequest struct {
	Price decimal.Decimal `json:"price"`
	Note  string          `json:"note"`
}

func (s *Server) handleProposeCounter(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body proposeCounterRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := s.offerService.ProposeCounter(r.Context(), offer.ProposeCounterRequest{
		OfferID:        chi.URLParam(r, "offerID"),
		Proposer:       actor.ID,
		Price:          body.Price,
		Note:           body.Note,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	c, err := s.offerService.GetCounter(r.Context(), chi.URLParam(r, "counterID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type respondCounterRequest struct {
	Decision offer.Decision `json:"decision"`
	Reason   string         `json:"reason"`
}

func (s *Server) handleRespondCounter(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body respondCounterRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := s.offerService.RespondCounter(r.Context(), offer.RespondCounterRequest{
		CounterID:      chi.URLParam(r, "counterID"),
		Responder:      actor.ID,
		Decision:       body.Decision,
		Reason:         body.Reason,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- codes ---

func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	code, err := s.codeService.IssueCode(r.Context(), chi.URLParam(r, "lotID"), chi.URLParam(r, "offerID"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func (s *Server) handleGetCode(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	code, err := s.codeService.Get(r.Context(), chi.URLParam(r, "code"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	code, err := s.codeService.RedeemCode(r.Context(), vcode.RedeemRequest{
		Code:           chi.URLParam(r, "code"),
		Actor:          actor.ID,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

// --- payment ---

func (s *Server) handlePaymentStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	req := payment.Request{
		LotID:          chi.URLParam(r, "lotID"),
		Actor:          actor.ID,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	}
	var (
		wf  payment.Workflow
		err error
	)
	switch chi.URLParam(r, "step") {
	case "request":
		wf, err = s.paymentService.RequestPayment(r.Context(), req)
	case "confirm":
		wf, err = s.paymentService.ConfirmPayment(r.Context(), req)
	case "validate":
		wf, err = s.paymentService.ValidatePayment(r.Context(), req)
	default:
		writeErrorMessage(w, http.StatusNotFound, string(apperr.KindNotFound), "unknown payment step")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{Workflow: wf, Phase: wf.Phase()})
}

type paymentResponse struct {
	payment.Workflow
	Phase payment.Phase `json:"phase"`
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	wf, err := s.paymentService.GetPayment(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{Workflow: wf, Phase: wf.Phase()})
}

// --- dispatch ---

type scheduleDispatchRequest struct {
	PickupDate string `json:"pickupDate"`
	Address    string `json:"address"`
}

func (s *Server) handleScheduleDispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body scheduleDispatchRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	pickup, err := parseDate(body.PickupDate)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
		return
	}
	req, err := s.dispatchService.ScheduleDispatch(r.Context(), dispatch.ScheduleRequest{
		LotID:          chi.URLParam(r, "lotID"),
		Requester:      actor.ID,
		PickupDate:     pickup,
		Address:        body.Address,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	book, err := s.dispatchService.GetDispatch(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleConfirmDispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	req, err := s.dispatchService.ConfirmDispatch(r.Context(), chi.URLParam(r, "requestID"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	req, err := s.dispatchService.CancelDispatch(r.Context(), chi.URLParam(r, "requestID"), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- events ---

// handleEvents streams committed transitions involving the caller as
// server-sent events. Operators see every event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, string(apperr.KindTransient), "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	var filter func(notify.Event) bool
	if actor.Role != auth.RoleOperator {
		filter = func(e notify.Event) bool { return e.Involves(actor.ID) }
	}
	events, cancel := s.hub.Subscribe(64, filter)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn().Err(err).Str("event", e.Type).Msg("encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

// --- encoding ---

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotAuthorized, apperr.KindSameParty:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindInvalidState, apperr.KindInvalidLotState, apperr.KindAlreadyTaken,
		apperr.KindAlreadyRequested, apperr.KindAlreadyIssued, apperr.KindDuplicateRequest,
		apperr.KindAlreadyPending, apperr.KindNotRequested, apperr.KindNotConfirmed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeErrorMessage(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	if appErr.Kind == apperr.KindTransient {
		w.Header().Set("Retry-After", "1")
	}
	msg := appErr.Msg
	if msg == "" {
		msg = string(appErr.Kind)
	}
	writeErrorMessage(w, statusFor(appErr.Kind), string(appErr.Kind), msg)
}

func writeErrorMessage(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, string(apperr.KindValidation), "invalid request body")
		return false
	}
	return true
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("pickupDate required")
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("pickupDate must be YYYY-MM-DD or RFC3339")
	}
	return t, nil
}
