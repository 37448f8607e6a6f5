package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/wristpay/backend/internal/audit"
	"github.com/wristpay/backend/internal/ledger"
	"github.com/wristpay/backend/internal/models"
)

// AccountService manages cashless account lifecycle: provisioning,
// wristband tag linking, balance enquiry and deactivation.
type AccountService struct {
	store     ledger.Store
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewAccountService(store ledger.Store) *AccountService {
	return &AccountService{
		store:     store,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// Provision creates a zero-balance account for the authenticated user
// @Summary Provision a cashless account
// @Description Create an account for the user at the given festival; one account per user per festival
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.ProvisionRequest true "Provision request"
// @Success 201 {object} object{success=bool,account=models.Account}
// @Failure 409 {object} ErrorResponse
// @Router /accounts [post]
func (as *AccountService) Provision(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)

	var req models.ProvisionRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := as.provision(r, userID, req.FestivalID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountExists) {
			SendErrorResponse(w, "Account already exists for this festival", http.StatusConflict, nil)
			return
		}
		log.Printf("[ACCOUNT] Provisioning failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to provision account", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "account": account})
}

func (as *AccountService) provision(r *http.Request, userID, festivalID string) (*models.Account, error) {
	now := time.Now().UTC()
	account := &models.Account{
		ID:         uuid.New().String(),
		UserID:     userID,
		FestivalID: festivalID,
		Balance:    0,
		IsActive:   true,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := as.store.CreateAccount(r.Context(), account); err != nil {
		return nil, err
	}
	as.audit.LogAccountEvent("ACCOUNT_PROVISIONED", account.ID, models.Metadata{
		"user_id":     userID,
		"festival_id": festivalID,
	})
	return account, nil
}

// LinkTag binds an NFC wristband tag to the user's account
// @Summary Link a wristband tag
// @Description Verify the tag signature and bind the tag to the user's festival account, provisioning one if needed
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.LinkTagRequest true "Tag link request"
// @Success 200 {object} object{success=bool,account=models.Account}
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /accounts/link-tag [post]
func (as *AccountService) LinkTag(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)

	var req models.LinkTagRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !verifyTagSignature(req.TagID, req.Signature) {
		SendErrorResponse(w, "Tag signature verification failed", http.StatusUnauthorized, nil)
		return
	}

	// a tag belongs to at most one account
	if existing, err := as.store.GetAccountByTag(r.Context(), req.TagID); err == nil && existing != nil {
		SendErrorResponse(w, ledger.ErrTagLinked.Error(), http.StatusConflict, nil)
		return
	} else if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		SendErrorResponse(w, "Tag lookup failed", http.StatusInternalServerError, nil)
		return
	}

	account, err := as.store.GetAccountByUser(r.Context(), userID, req.FestivalID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		// first touch at the festival gate provisions the account
		account, err = as.provision(r, userID, req.FestivalID)
	}
	if err != nil {
		log.Printf("[ACCOUNT] Tag link failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to link tag", http.StatusInternalServerError, nil)
		return
	}

	if err := as.store.UpdateTag(r.Context(), account.ID, req.TagID); err != nil {
		log.Printf("[ACCOUNT] Tag update failed for account %s: %v", account.ID, err)
		SendErrorResponse(w, "Failed to link tag", http.StatusInternalServerError, nil)
		return
	}
	account.TagID = req.TagID

	as.audit.LogAccountEvent("TAG_LINKED", account.ID, models.Metadata{"tag_id": req.TagID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "account": account})
}

// Balance returns the account's current balance
// @Summary Get account balance
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} object{accountId=string,balance=int,currency=string,isActive=bool}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/balance [get]
func (as *AccountService) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	userID, _ := r.Context().Value("userID").(string)
	role, _ := r.Context().Value("role").(string)

	account, err := as.store.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Account lookup failed", http.StatusInternalServerError, nil)
		return
	}
	if account.UserID != userID && role != models.RoleStaff {
		SendErrorResponse(w, "Account does not belong to user", http.StatusForbidden, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": account.ID,
		"balance":   account.Balance,
		"currency":  viper.GetString("ledger.currency"),
		"isActive":  account.IsActive,
	})
}

// Deactivate disables an account (staff only)
// @Summary Deactivate an account
// @Description Disable the account so all ledger operations against it are rejected
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/deactivate [post]
func (as *AccountService) Deactivate(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	if err := as.store.SetActive(r.Context(), accountID, false); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to deactivate account", http.StatusInternalServerError, nil)
		return
	}

	as.audit.LogAccountEvent("ACCOUNT_DEACTIVATED", accountID, models.Metadata{
		"status": models.AccountStatusInactive,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// verifyTagSignature checks the HMAC-SHA256 of the tag UID against the
// shared wristband provisioning secret.
func verifyTagSignature(tagID, signature string) bool {
	secret := viper.GetString("tag.hmac_secret")
	if secret == "" {
		log.Printf("[ACCOUNT] Tag HMAC secret not configured; rejecting link")
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToUpper(tagID)))
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}
