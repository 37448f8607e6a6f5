package models

// Wallet request payloads. Amounts are minor currency units.

// TopUpRequest credits an account after an external payment capture.
// @Description Top-up request structure
type TopUpRequest struct {
	AccountID  string `json:"accountId" validate:"required,uuid4"`
	FestivalID string `json:"festivalId" validate:"required,max=64"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	PaymentRef string `json:"paymentRef" validate:"required,max=64"`
	Reference  string `json:"reference" validate:"omitempty,max=64"`
}

// PayRequest debits an account for a vendor purchase.
// @Description Payment request structure
type PayRequest struct {
	AccountID   string `json:"accountId" validate:"required,uuid4"`
	FestivalID  string `json:"festivalId" validate:"required,max=64"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	VendorID    string `json:"vendorId" validate:"omitempty,max=64"`
	Description string `json:"description" validate:"omitempty,max=200"`
	Reference   string `json:"reference" validate:"omitempty,max=64"`
}

// TransferRequest moves balance to another user within the same festival.
// @Description Transfer request structure
type TransferRequest struct {
	FromAccountID string `json:"fromAccountId" validate:"required,uuid4"`
	ToUserID      string `json:"toUserId" validate:"required,max=64"`
	FestivalID    string `json:"festivalId" validate:"required,max=64"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	Description   string `json:"description" validate:"omitempty,max=200"`
	Reference     string `json:"reference" validate:"omitempty,max=64"`
}

// RefundRequest reverses a prior payment. Staff only.
// @Description Refund request structure
type RefundRequest struct {
	TransactionID string `json:"transactionId" validate:"required,uuid4"`
	Reason        string `json:"reason" validate:"omitempty,max=200"`
}

// ProvisionRequest creates a cashless account for the authenticated user.
// @Description Account provisioning request structure
type ProvisionRequest struct {
	FestivalID string `json:"festivalId" validate:"required,max=64"`
}

// LinkTagRequest binds a physical NFC tag to an account. The signature is an
// HMAC-SHA256 of the tag id issued by the tag directory at encoding time.
// @Description NFC tag link request structure
type LinkTagRequest struct {
	FestivalID string `json:"festivalId" validate:"required,max=64"`
	TagID      string `json:"tagId" validate:"required,min=8,max=64"`
	Signature  string `json:"signature" validate:"required,hexadecimal"`
}
