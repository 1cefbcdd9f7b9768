package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"
	"github.com/xtrntr/escrow/internal/token"
)

type ctxKey int

const walletKey ctxKey = iota

// WalletFromContext returns the wallet the authenticated caller signs for
func WalletFromContext(ctx context.Context) (solana.PublicKey, bool) {
	w, ok := ctx.Value(walletKey).(solana.PublicKey)
	return w, ok
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *escrow.Engine
	Ledger      *ledger.Ledger
	Tokens      *token.Program
	Settlements escrow.SettlementLog
	AuthService *auth.AuthService
	Hub         *Hub
	log         *logrus.Entry
}

// NewHandler creates a new handler
func NewHandler(engine *escrow.Engine, l *ledger.Ledger, tokens *token.Program, settlements escrow.SettlementLog, authService *auth.AuthService, hub *Hub, log *logrus.Logger) *Handler {
	return &Handler{
		Engine:      engine,
		Ledger:      l,
		Tokens:      tokens,
		Settlements: settlements,
		AuthService: authService,
		Hub:         hub,
		log:         log.WithField("component", "api"),
	}
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusOf maps an escrow code to its HTTP status
func statusOf(code escrow.Code) int {
	switch code {
	case escrow.CodeInvalidAmount, escrow.CodeInvalidAccount:
		return http.StatusBadRequest
	case escrow.CodeUnauthorized:
		return http.StatusForbidden
	case escrow.CodeOfferNotFound:
		return http.StatusNotFound
	case escrow.CodeAlreadyExists, escrow.CodeAccountMismatch:
		return http.StatusConflict
	case escrow.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEscrowError(w http.ResponseWriter, err error) {
	code := escrow.CodeOf(err)
	status := statusOf(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
		msg = "Internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: string(code)})
}

func addressParam(r *http.Request) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(chi.URLParam(r, "address"))
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Wallet    string `json:"wallet"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" || req.Wallet == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "Username, password, wallet and signature required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password, req.Wallet, req.Signature)
	if errors.Is(err, auth.ErrInvalidSignature) {
		writeError(w, http.StatusForbidden, "Invalid wallet signature")
		return
	}
	if errors.Is(err, models.ErrUserExists) {
		writeError(w, http.StatusConflict, "Username or wallet already registered")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to register user: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"wallet":   user.Wallet,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.log.WithError(err).Error("login failed")
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens and puts the caller's wallet in the
// request context
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		wallet, err := h.AuthService.GetWalletFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), walletKey, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ListOffers returns every open offer
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.Engine.ListOffers(r.Context())
	if err != nil {
		h.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetOffer returns one open offer
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	address, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer address")
		return
	}
	offer, err := h.Engine.GetOffer(r.Context(), address)
	if err != nil {
		h.writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type makeOfferRequest struct {
	ID                  uint64           `json:"id,string"`
	TokenAOfferedAmount uint64           `json:"token_a_offered_amount,string"`
	TokenBWantedAmount  uint64           `json:"token_b_wanted_amount,string"`
	TokenMintA          solana.PublicKey `json:"token_mint_a"`
	TokenMintB          solana.PublicKey `json:"token_mint_b"`
	// MakerTokenAccountA defaults to the maker's associated account
	MakerTokenAccountA *solana.PublicKey `json:"maker_token_account_a,omitempty"`
}

// MakeOffer opens an offer signed by the caller's wallet
func (h *Handler) MakeOffer(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req makeOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	accounts, err := h.Engine.MakeOfferAccounts(wallet, req.TokenMintA, req.TokenMintB, req.ID)
	if err != nil {
		h.writeEscrowError(w, err)
		return
	}
	if req.MakerTokenAccountA != nil {
		accounts.MakerTokenAccountA = *req.MakerTokenAccountA
	}

	open, err := h.Engine.MakeOffer(r.Context(), escrow.MakeOfferRequest{
		ID:                  req.ID,
		TokenAOfferedAmount: req.TokenAOfferedAmount,
		TokenBWantedAmount:  req.TokenBWantedAmount,
		Accounts:            accounts,
		Signers:             []solana.PublicKey{wallet},
	})
	if err != nil {
		h.writeEscrowError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.Broadcast(Event{Type: EventOfferOpened, Data: open})
	}
	writeJSON(w, http.StatusCreated, open)
}

type takeOfferRequest struct {
	Maker      solana.PublicKey `json:"maker"`
	TokenMintA solana.PublicKey `json:"token_mint_a"`
	TokenMintB solana.PublicKey `json:"token_mint_b"`
	// Token accounts default to associated accounts
	TakerTokenAccountA *solana.PublicKey `json:"taker_token_account_a,omitempty"`
	TakerTokenAccountB *solana.PublicKey `json:"taker_token_account_b,omitempty"`
	MakerTokenAccountB *solana.PublicKey `json:"maker_token_account_b,omitempty"`
}

// TakeOffer settles the offer in the path, paid for by the caller's wallet.
// The body states what the caller expects the offer to be.
func (h *Handler) TakeOffer(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	address, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offer address")
		return
	}

	var req takeOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	accounts, err := h.Engine.TakeOfferAccounts(wallet, address, req.Maker, req.TokenMintA, req.TokenMintB)
	if err != nil {
		h.writeEscrowError(w, err)
		return
	}
	for dst, src := range map[*solana.PublicKey]*solana.PublicKey{
		&accounts.TakerTokenAccountA: req.TakerTokenAccountA,
		&accounts.TakerTokenAccountB: req.TakerTokenAccountB,
		&accounts.MakerTokenAccountB: req.MakerTokenAccountB,
	} {
		if src != nil {
			*dst = *src
		}
	}

	settlement, err := h.Engine.TakeOffer(r.Context(), escrow.TakeOfferRequest{
		Accounts: accounts,
		Signers:  []solana.PublicKey{wallet},
	})
	if err != nil {
		h.writeEscrowError(w, err)
		return
	}

	if h.Hub != nil {
		h.Hub.Broadcast(Event{Type: EventOfferSettled, Data: settlement})
	}
	writeJSON(w, http.StatusOK, settlement)
}

type tokenBalance struct {
	Mint     solana.PublicKey `json:"mint"`
	Owner    solana.PublicKey `json:"owner"`
	Amount   uint64           `json:"amount,string"`
	UIAmount *decimal.Decimal `json:"ui_amount,omitempty"`
}

type accountResponse struct {
	Address  solana.PublicKey `json:"address"`
	Owner    solana.PublicKey `json:"owner"`
	Lamports uint64           `json:"lamports,string"`
	Token    *tokenBalance    `json:"token,omitempty"`
}

// GetAccount returns the committed state of any ledger account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	address, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account address")
		return
	}

	a, err := h.Ledger.Account(r.Context(), address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	if err != nil {
		h.log.WithError(err).Error("failed to read account")
		writeError(w, http.StatusInternalServerError, "Failed to read account")
		return
	}

	resp := accountResponse{Address: address, Owner: a.Owner, Lamports: a.Lamports}
	if acct, ok := h.Tokens.Decode(a); ok {
		resp.Token = &tokenBalance{Mint: acct.Mint, Owner: acct.Owner, Amount: acct.Amount}
		if mint, err := h.Tokens.LookupMint(r.Context(), acct.Mint); err == nil {
			ui := token.UIAmount(acct.Amount, mint.Decimals)
			resp.Token.UIAmount = &ui
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSettlements returns the caller's swap history
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Settlements == nil {
		writeJSON(w, http.StatusOK, []models.Settlement{})
		return
	}

	settlements, err := h.Settlements.ListSettlements(r.Context(), wallet)
	if err != nil {
		h.log.WithError(err).Error("failed to list settlements")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve settlements")
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}
	writeJSON(w, http.StatusOK, settlements)
}

// OffersSnapshot builds hub snapshots listing every open offer of engine
func OffersSnapshot(engine *escrow.Engine) func(ctx context.Context) (Event, error) {
	return func(ctx context.Context) (Event, error) {
		offers, err := engine.ListOffers(ctx)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventOffers, Data: offers}, nil
	}
}
