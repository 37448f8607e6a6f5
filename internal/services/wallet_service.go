package services

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/wristpay/backend/internal/fraud"
	"github.com/wristpay/backend/internal/ledger"
	"github.com/wristpay/backend/internal/models"
	"github.com/wristpay/backend/internal/payments"
)

// WalletService exposes the ledger engine over HTTP. All responses for
// mutations include the committed transaction with its before/after
// balances; internal lock state is never surfaced.
type WalletService struct {
	engine     *ledger.Engine
	fraud      *fraud.Scorer
	settlement *SettlementService
	gateway    *payments.Client
	validator  *ValidationHelper
}

func NewWalletService(engine *ledger.Engine, scorer *fraud.Scorer, settlement *SettlementService, gateway *payments.Client) *WalletService {
	return &WalletService{
		engine:     engine,
		fraud:      scorer,
		settlement: settlement,
		gateway:    gateway,
		validator:  NewValidationHelper(),
	}
}

// TopUp credits an account after an external payment capture
// @Summary Top up a cashless account
// @Description Credit an account once the card capture or cash payment is confirmed
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.TopUpRequest true "Top-up request"
// @Success 201 {object} object{success=bool,transaction=models.Transaction}
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /wallet/topup [post]
func (ws *WalletService) TopUp(w http.ResponseWriter, r *http.Request) {
	var req models.TopUpRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if !ws.authorizeAccount(w, r, req.AccountID) {
		return
	}
	if !ws.fraudGate(w, r, req.AccountID, req.Amount, models.TypeTopUp) {
		return
	}

	txn, err := ws.engine.TopUp(r.Context(), ledger.TopUpParams{
		AccountID:  req.AccountID,
		FestivalID: req.FestivalID,
		Amount:     req.Amount,
		PaymentRef: req.PaymentRef,
		Reference:  req.Reference,
		Metadata:   models.Metadata{"ip_address": clientIP(r)},
	})
	if err != nil {
		ws.sendLedgerError(w, "Top-up failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "transaction": txn})
}

// Pay debits an account for a vendor purchase
// @Summary Pay a vendor
// @Description Debit the account for a purchase; fails when balance is insufficient
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.PayRequest true "Payment request"
// @Success 201 {object} object{success=bool,transaction=models.Transaction}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /wallet/pay [post]
func (ws *WalletService) Pay(w http.ResponseWriter, r *http.Request) {
	var req models.PayRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if !ws.authorizeAccount(w, r, req.AccountID) {
		return
	}
	if !ws.fraudGate(w, r, req.AccountID, req.Amount, models.TypePayment) {
		return
	}

	txn, err := ws.engine.Pay(r.Context(), ledger.PayParams{
		AccountID:   req.AccountID,
		FestivalID:  req.FestivalID,
		Amount:      req.Amount,
		VendorID:    req.VendorID,
		Description: req.Description,
		Reference:   req.Reference,
		Metadata:    models.Metadata{"ip_address": clientIP(r)},
	})
	if err != nil {
		ws.sendLedgerError(w, "Payment failed", err)
		return
	}

	// queue for vendor settlement after commit
	if ws.settlement != nil && txn.VendorID != "" {
		if err := ws.settlement.QueuePayment(r.Context(), txn); err != nil {
			log.Printf("[WALLET] Failed to queue transaction %s for settlement: %v", txn.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "transaction": txn})
}

// Transfer moves balance to another user in the same festival
// @Summary Transfer balance peer to peer
// @Description Atomically debit the source and credit the destination account
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.TransferRequest true "Transfer request"
// @Success 201 {object} object{success=bool,debit=models.Transaction,credit=models.Transaction}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/transfer [post]
func (ws *WalletService) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if !ws.authorizeAccount(w, r, req.FromAccountID) {
		return
	}
	if !ws.fraudGate(w, r, req.FromAccountID, req.Amount, models.TypeTransferOut) {
		return
	}

	result, err := ws.engine.Transfer(r.Context(), ledger.TransferParams{
		FromAccountID: req.FromAccountID,
		ToUserID:      req.ToUserID,
		FestivalID:    req.FestivalID,
		Amount:        req.Amount,
		Description:   req.Description,
		Reference:     req.Reference,
	})
	if err != nil {
		ws.sendLedgerError(w, "Transfer failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"debit":   result.Debit,
		"credit":  result.Credit,
	})
}

// Refund reverses a prior payment (staff only)
// @Summary Refund a payment
// @Description Credit back the original payment amount; a payment can be refunded once
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.RefundRequest true "Refund request"
// @Success 201 {object} object{success=bool,transaction=models.Transaction}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /wallet/refund [post]
func (ws *WalletService) Refund(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)

	var req models.RefundRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txn, err := ws.engine.Refund(r.Context(), ledger.RefundParams{
		TransactionID: req.TransactionID,
		RefundedBy:    userID,
		Reason:        req.Reason,
	})
	if err != nil {
		ws.sendLedgerError(w, "Refund failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "transaction": txn})
}

// History lists transactions for an account
// @Summary Get transaction history
// @Description Transactions ordered by creation time descending, paginated
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param accountId query string true "Account ID"
// @Param festivalId query string false "Festival ID"
// @Param limit query int false "Page size (default 50, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (ws *WalletService) History(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}
	if !ws.authorizeAccount(w, r, accountID) {
		return
	}

	festivalID := strings.TrimSpace(r.URL.Query().Get("festivalId"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transactions, err := ws.engine.GetHistory(r.Context(), accountID, festivalID, limit, offset)
	if err != nil {
		ws.sendLedgerError(w, "Failed to fetch transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// CashConfirm records a cash payment as captured (staff only)
// @Summary Confirm a cash top-up payment
// @Description Mark a cash payment reference as captured so the top-up can proceed
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{paymentRef=string} true "Cash confirmation"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} ErrorResponse
// @Router /wallet/cash-confirm [post]
func (ws *WalletService) CashConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRef string `json:"paymentRef" validate:"required,max=64"`
	}
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := ws.gateway.RecordCashConfirmation(r.Context(), req.PaymentRef); err != nil {
		SendErrorResponse(w, "Failed to record cash confirmation", http.StatusInternalServerError, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// authorizeAccount verifies the authenticated user owns the account. Staff
// may operate on any account.
func (ws *WalletService) authorizeAccount(w http.ResponseWriter, r *http.Request, accountID string) bool {
	userID, _ := r.Context().Value("userID").(string)
	role, _ := r.Context().Value("role").(string)
	if role == models.RoleStaff {
		return true
	}

	acc, err := ws.engine.Store().GetAccount(r.Context(), accountID)
	if err != nil {
		ws.sendLedgerError(w, "Account lookup failed", err)
		return false
	}
	if acc.UserID != userID {
		SendErrorResponse(w, "Account does not belong to user", http.StatusForbidden, nil)
		return false
	}
	return true
}

// fraudGate rejects the operation when the risk scorer says block.
func (ws *WalletService) fraudGate(w http.ResponseWriter, r *http.Request, accountID string, amount int64, op string) bool {
	if ws.fraud == nil {
		return true
	}
	assessment, err := ws.fraud.Check(r.Context(), accountID, amount, op)
	if err != nil {
		log.Printf("[WALLET] Fraud check failed for %s: %v", accountID, err)
		return true
	}
	if assessment.Action == fraud.ActionBlock {
		SendErrorResponse(w, "Operation blocked by risk check", http.StatusForbidden, nil)
		return false
	}
	return true
}

func (ws *WalletService) sendLedgerError(w http.ResponseWriter, message string, err error) {
	log.Printf("[WALLET] %s: %v", message, err)
	SendErrorResponse(w, err.Error(), statusForLedgerError(err), nil)
}

// statusForLedgerError maps engine error kinds onto HTTP status codes.
func statusForLedgerError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrPaymentNotCaptured):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyRefunded),
		errors.Is(err, ledger.ErrNotRefundable),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrTagLinked):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrLedgerBusy),
		errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.Split(forwarded, ",")[0]
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
