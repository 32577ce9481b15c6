package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradeflow/apperr"
	"tradeflow/auth"
	"tradeflow/dispatch"
	"tradeflow/ledger"
	"tradeflow/lot"
	"tradeflow/notify"
	"tradeflow/offer"
	"tradeflow/payment"
	"tradeflow/vcode"
)

type stubTokens map[string]auth.Actor

func (s stubTokens) VerifyToken(token string) (auth.Actor, error) {
	a, ok := s[token]
	if !ok {
		return auth.Actor{}, auth.ErrInvalidToken
	}
	return a, nil
}

var testTokens = stubTokens{
	"custodian": {ID: "custodian-1", Role: auth.RoleCustodian},
	"seller":    {ID: "seller-1", Role: auth.RoleTrader},
	"buyer-b":   {ID: "buyer-b", Role: auth.RoleTrader},
	"buyer-c":   {ID: "buyer-c", Role: auth.RoleTrader},
	"operator":  {ID: "ops", Role: auth.RoleOperator},
}

type stubOfferService struct {
	offerService
	acceptResult offer.AcceptResult
	acceptErr    error
}

func (s *stubOfferService) Accept(_ context.Context, _ offer.AcceptRequest) (offer.AcceptResult, error) {
	return s.acceptResult, s.acceptErr
}

type stubPaymentService struct {
	paymentService
	err error
}

func (s *stubPaymentService) ConfirmPayment(_ context.Context, _ payment.Request) (payment.Workflow, error) {
	return payment.Workflow{}, s.err
}

func newTestServer(t *testing.T, now time.Time) *Server {
	t.Helper()
	store := ledger.NewMemStore()
	runner := lot.NewRunner(store, nil, zerolog.Nop())
	clock := func() time.Time { return now }

	codes := vcode.NewIssuer(runner).WithClock(clock)
	dispatches := dispatch.NewService(runner).WithClock(clock)
	return &Server{
		lotService:      lot.NewService(runner).WithClock(clock).WithDispatchChecker(dispatches),
		offerService:    offer.NewService(runner, codes).WithClock(clock),
		paymentService:  payment.NewService(runner).WithClock(clock),
		dispatchService: dispatches,
		codeService:     codes,
		tokens:          testTokens,
		hub:             notify.NewHub(),
		logger:          zerolog.Nop(),
	}
}

func do(t *testing.T, h http.Handler, method, path, token, idemKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set(headerIdempotencyKey, idemKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	h := newTestServer(t, time.Now()).Routes()

	rec := do(t, h, http.MethodGet, "/api/lots/l1", "", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/lots/l1", "bogus", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestRoutes_Healthz(t *testing.T) {
	h := newTestServer(t, time.Now()).Routes()
	rec := do(t, h, http.MethodGet, "/healthz", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleRegisterLot_ForbidTraderRole(t *testing.T) {
	h := newTestServer(t, time.Now()).Routes()
	rec := do(t, h, http.MethodPost, "/api/lots", "seller", "", `{"ownerId":"seller-1","commodity":"cocoa","quantity":"1000","unit":"kg"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleRegisterLot_ValidationError(t *testing.T) {
	h := newTestServer(t, time.Now()).Routes()
	rec := do(t, h, http.MethodPost, "/api/lots", "custodian", "", `{"ownerId":"seller-1","commodity":"cocoa","quantity":"0","unit":"kg"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var payload struct {
		Error errorBody `json:"error"`
	}
	decodeBody(t, rec, &payload)
	if payload.Error.Kind != string(apperr.KindValidation) {
		t.Fatalf("expected validation kind, got %+v", payload.Error)
	}
}

func TestHandleAccept_AlreadyTakenCarriesOffer(t *testing.T) {
	server := newTestServer(t, time.Now())
	server.offerService = &stubOfferService{
		acceptResult: offer.AcceptResult{Offer: lot.Offer{ID: "o3", Status: lot.OfferSuperseded}},
		acceptErr:    apperr.New(apperr.KindAlreadyTaken, "offer: accept", "offer no longer available"),
	}

	rec := do(t, server.Routes(), http.MethodPost, "/api/offers/o3/accept", "buyer-c", "k1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var payload struct {
		Error errorBody `json:"error"`
		Offer lot.Offer `json:"offer"`
	}
	decodeBody(t, rec, &payload)
	if payload.Error.Kind != string(apperr.KindAlreadyTaken) {
		t.Fatalf("expected already_taken, got %+v", payload.Error)
	}
	if payload.Offer.ID != "o3" || payload.Offer.Status != lot.OfferSuperseded {
		t.Fatalf("expected superseded offer snapshot, got %+v", payload.Offer)
	}
}

func TestHandlePaymentStep_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"same party", apperr.New(apperr.KindSameParty, "payment: confirm", "same"), http.StatusForbidden},
		{"not requested", apperr.New(apperr.KindNotRequested, "payment: confirm", "missing"), http.StatusConflict},
		{"transient", apperr.Wrap(apperr.KindTransient, "ledger", errors.New("conn reset")), http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, time.Now())
			server.paymentService = &stubPaymentService{err: tc.err}
			rec := do(t, server.Routes(), http.MethodPost, "/api/lots/l1/payment/confirm", "buyer-b", "k1", "")
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestHandlePaymentStep_UnknownStep(t *testing.T) {
	h := newTestServer(t, time.Now()).Routes()
	rec := do(t, h, http.MethodPost, "/api/lots/l1/payment/refund", "buyer-b", "k1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimiter_Throttles(t *testing.T) {
	server := newTestServer(t, time.Now())
	server.limiter = newRateLimiter(0.001, 1, zerolog.Nop())
	h := server.Routes()

	if rec := do(t, h, http.MethodGet, "/api/lots/missing", "seller", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("first request: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/lots/missing", "seller", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/lots/missing", "buyer-b", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other actor: expected 404, got %d", rec.Code)
	}
}

// TestSettlementFlow drives a broadcast lot through acceptance, payment and
// dispatch over HTTP.
func TestSettlementFlow(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h := newTestServer(t, now).Routes()

	rec := do(t, h, http.MethodPost, "/api/lots", "custodian", "reg-1",
		`{"ownerId":"seller-1","commodity":"cocoa","quantity":"1000","unit":"kg","grade":"A"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created lot.Lot
	decodeBody(t, rec, &created)
	lotPath := "/api/lots/" + created.ID

	if rec := do(t, h, http.MethodPost, lotPath+"/authorize", "custodian", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, lotPath+"/offers", "seller", "", `{
		"mode":"broadcast_scope","scope":"county","scopeValue":"Ashanti",
		"recipients":["buyer-a","buyer-b","buyer-c"],
		"terms":{"pricePerUnit":"500","deliveryTerms":"FOB","paymentTerms":"net 7","validityDays":7}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create offer: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var offers struct {
		Items []lot.Offer `json:"items"`
	}
	decodeBody(t, rec, &offers)
	if len(offers.Items) != 3 {
		t.Fatalf("expected 3 sibling offers, got %d", len(offers.Items))
	}
	byRecipient := map[string]string{}
	for _, o := range offers.Items {
		byRecipient[o.Audience.CounterpartyID] = o.ID
	}

	rec = do(t, h, http.MethodPost, "/api/offers/"+byRecipient["buyer-b"]+"/accept", "buyer-b", "acc-b", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var won offer.AcceptResult
	decodeBody(t, rec, &won)
	if !won.Won || won.Code == nil || won.Code.Value == "" {
		t.Fatalf("expected a won claim with a code, got %+v", won)
	}

	rec = do(t, h, http.MethodPost, "/api/offers/"+byRecipient["buyer-c"]+"/accept", "buyer-c", "acc-c", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("losing accept: expected 409, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/offers/"+byRecipient["buyer-b"]+"/accept", "buyer-b", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("accept without idempotency key: expected 400, got %d", rec.Code)
	}

	steps := []struct {
		token, step string
		status      int
	}{
		{"buyer-b", "request", http.StatusOK},
		{"buyer-b", "confirm", http.StatusForbidden},
		{"seller", "confirm", http.StatusOK},
		{"seller", "validate", http.StatusForbidden},
		{"buyer-b", "validate", http.StatusOK},
	}
	for i, st := range steps {
		key := st.step + "-" + st.token + "-" + string(rune('a'+i))
		rec := do(t, h, http.MethodPost, lotPath+"/payment/"+st.step, st.token, key, "")
		if rec.Code != st.status {
			t.Fatalf("payment %s by %s: expected %d, got %d: %s", st.step, st.token, st.status, rec.Code, rec.Body.String())
		}
	}

	rec = do(t, h, http.MethodGet, lotPath, "seller", "", "")
	var agg lot.Aggregate
	decodeBody(t, rec, &agg)
	if agg.Lot.Phase != lot.PhaseSettled {
		t.Fatalf("expected settled lot, got %s", agg.Lot.Phase)
	}

	rec = do(t, h, http.MethodPost, lotPath+"/dispatch", "buyer-b", "disp-1", `{"pickupDate":"2026-05-06","address":"Tema port, gate 3"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule dispatch: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var dreq dispatch.Request
	decodeBody(t, rec, &dreq)

	if rec := do(t, h, http.MethodPost, "/api/dispatches/"+dreq.ID+"/confirm", "seller", "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("confirm by seller: expected 403, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/dispatches/"+dreq.ID+"/confirm", "custodian", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("confirm by custodian: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/codes/"+won.Code.Value+"/redeem", "custodian", "redeem-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, lotPath+"/archive", "custodian", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, lotPath+"/history", "operator", "", "")
	var history struct {
		Items []ledger.HistoryEntry `json:"items"`
	}
	decodeBody(t, rec, &history)
	if len(history.Items) == 0 || history.Items[len(history.Items)-1].Type != lot.EventLotArchived {
		t.Fatalf("expected history ending in %s, got %+v", lot.EventLotArchived, history.Items)
	}
}

func TestCodesHiddenFromOutsiders(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h := newTestServer(t, now).Routes()

	rec := do(t, h, http.MethodPost, "/api/lots", "custodian", "reg-1",
		`{"ownerId":"seller-1","commodity":"cocoa","quantity":"200","unit":"kg"}`)
	var created lot.Lot
	decodeBody(t, rec, &created)
	lotPath := "/api/lots/" + created.ID
	if rec := do(t, h, http.MethodPost, lotPath+"/authorize", "custodian", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, lotPath+"/offers", "seller", "", `{
		"mode":"direct","counterpartyId":"buyer-b",
		"terms":{"pricePerUnit":"480","deliveryTerms":"FOB","paymentTerms":"net 7"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create offer: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var offers struct {
		Items []lot.Offer `json:"items"`
	}
	decodeBody(t, rec, &offers)
	rec = do(t, h, http.MethodPost, "/api/offers/"+offers.Items[0].ID+"/accept", "buyer-b", "acc-b", "")
	var won offer.AcceptResult
	decodeBody(t, rec, &won)
	if won.Code == nil {
		t.Fatalf("expected a code, got %s", rec.Body.String())
	}
	value := won.Code.Value

	rec = do(t, h, http.MethodGet, lotPath, "buyer-c", "", "")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), value) {
		t.Fatalf("outsider lot view must not carry the code: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/api/codes/"+value, "buyer-c", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("outsider code lookup: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, lotPath+"/offers/"+offers.Items[0].ID+"/code", "buyer-c", "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("outsider issue: expected 403, got %d", rec.Code)
	}

	for _, token := range []string{"seller", "buyer-b", "custodian"} {
		rec = do(t, h, http.MethodGet, lotPath, token, "", "")
		var agg lot.Aggregate
		decodeBody(t, rec, &agg)
		if len(agg.Codes) != 1 || agg.Codes[0].Code != value {
			t.Fatalf("%s: expected the code in the lot view, got %+v", token, agg.Codes)
		}
		if rec := do(t, h, http.MethodGet, "/api/codes/"+value, token, "", ""); rec.Code != http.StatusOK {
			t.Fatalf("%s: code lookup: expected 200, got %d", token, rec.Code)
		}
	}
}

func TestHandleAssessFees_DecodesDecimal(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	server := newTestServer(t, now)
	h := server.Routes()

	created, err := server.lotService.Register(context.Background(), lot.RegisterParams{
		CustodianID: "custodian-1", OwnerID: "seller-1", Commodity: "maize",
		Quantity: decimal.NewFromInt(40), Unit: "bag",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := do(t, h, http.MethodPost, "/api/lots/"+created.ID+"/fees", "custodian", "", `{"amount":"12.50"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated lot.Lot
	decodeBody(t, rec, &updated)
	if updated.Phase != lot.PhaseFeesDue || !updated.FeesDue.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected lot after fees: %+v", updated)
	}
}
