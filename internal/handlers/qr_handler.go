package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/wristpay/backend/internal/services"
)

type QRHandler struct {
	service   *services.QRService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreatePaymentRequest issues a vendor point-of-sale QR code
// @Summary Create a payment request QR code
// @Description Encode a vendor payment request as a short-lived single-use QR code
// @Tags qr
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{festivalId=string,amount=int64,description=string} true "Payment request"
// @Success 201 {object} object{success=bool,qrCode=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /qr/payment-request [post]
func (h *QRHandler) CreatePaymentRequest(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := r.Context().Value("userID").(string)
	if !ok || vendorID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		FestivalID  string `json:"festivalId" validate:"required,max=64"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		Description string `json:"description" validate:"omitempty,max=200"`
	}
	if err := services.DecodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	code, qrImage, err := h.service.CreatePaymentRequest(r.Context(), vendorID, req.FestivalID, req.Amount, req.Description)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrCode":  code,
		"qrImage": qrImage,
	})
}

// ClaimPaymentRequest resolves a scanned QR code
// @Summary Claim a scanned payment request
// @Description Resolve a scanned code to its vendor payment request and consume it
// @Tags qr
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrCode=string} true "Scanned code"
// @Success 200 {object} object{success=bool,request=services.PaymentRequest}
// @Failure 400 {object} services.ErrorResponse
// @Router /qr/claim [post]
func (h *QRHandler) ClaimPaymentRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QRCode string `json:"qrCode" validate:"required"`
	}
	if err := services.DecodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	request, err := h.service.ClaimPaymentRequest(r.Context(), req.QRCode)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"request": request,
	})
}
