package services

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/spf13/viper"

	"github.com/wristpay/backend/internal/models"
)

const settlementQueueKey = "settlement:pending"

// SettlementService accumulates committed vendor payments in a redis queue
// and exports them as ISO20022 pacs.008 batches for the festival's acquiring
// bank. Amounts are converted from minor units to decimal at the boundary.
type SettlementService struct {
	redis *redis.Client
}

func NewSettlementService(redisClient *redis.Client) *SettlementService {
	return &SettlementService{redis: redisClient}
}

// QueuePayment enqueues a committed payment for the next settlement batch.
func (s *SettlementService) QueuePayment(ctx context.Context, txn *models.Transaction) error {
	if s.redis == nil {
		return fmt.Errorf("settlement queue unavailable")
	}
	data, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return s.redis.RPush(ctx, settlementQueueKey, data).Err()
}

// ExportBatch drains the queue into a pacs.008 message (staff only)
// @Summary Export pending settlement batch
// @Description Drain queued vendor payments into an ISO20022 pacs.008 credit transfer batch
// @Tags settlement
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{status=string,messageType=string,transactionCount=int,xml=string}
// @Failure 500 {object} ErrorResponse
// @Router /settlement/export [post]
func (s *SettlementService) ExportBatch(w http.ResponseWriter, r *http.Request) {
	transactions, err := s.drain(r.Context())
	if err != nil {
		log.Printf("[SETTLEMENT] Failed to drain queue: %v", err)
		SendErrorResponse(w, "Failed to read settlement queue", http.StatusInternalServerError, nil)
		return
	}

	if len(transactions) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "empty",
			"transactionCount": 0,
		})
		return
	}

	pacs008 := s.buildPacs008(transactions)

	xmlData, err := toXML(pacs008)
	if err != nil {
		log.Printf("[SETTLEMENT] XML marshalling failed: %v", err)
		SendErrorResponse(w, "Failed to build settlement message", http.StatusInternalServerError, nil)
		return
	}

	if err := s.SendToSettlement(xmlData); err != nil {
		log.Printf("[SETTLEMENT] Delivery failed: %v", err)
		SendErrorResponse(w, "Failed to deliver settlement batch", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "exported",
		"messageType":      "pacs.008.001.08",
		"transactionCount": len(transactions),
		"xml":              xmlData,
	})
}

// Acknowledge builds a pacs.002 status report for a settled transaction
// @Summary Acknowledge a settled transaction
// @Description Build an ISO20022 pacs.002 payment status report for a settled payment
// @Tags settlement
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{transactionId=string,reference=string,status=string} true "Acknowledgement"
// @Success 200 {object} object{status=string,messageType=string,xml=string}
// @Failure 400 {object} ErrorResponse
// @Router /settlement/ack [post]
func (s *SettlementService) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transactionId" validate:"required,uuid4"`
		Reference     string `json:"reference" validate:"omitempty,max=64"`
		Status        string `json:"status" validate:"omitempty,oneof=ACCP RJCT ACSC"`
	}
	if err := DecodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := NewValidationHelper().ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.Status == "" {
		req.Status = "ACCP"
	}

	pacs002 := buildPacs002(req.TransactionID, req.Reference, req.Status)

	xmlData, err := toXML(pacs002)
	if err != nil {
		SendErrorResponse(w, "Failed to build status report", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "acknowledged",
		"messageType": "pacs.002.001.08",
		"xml":         xmlData,
	})
}

// SendToSettlement hands the batch to the settlement endpoint. Without a
// configured endpoint the batch is logged only.
func (s *SettlementService) SendToSettlement(xmlData string) error {
	endpoint := viper.GetString("settlement.endpoint")
	if endpoint == "" {
		log.Printf("[SETTLEMENT] No endpoint configured, batch logged only (%d bytes)", len(xmlData))
		return nil
	}

	// TODO: replace with the acquirer's SFTP drop once credentials arrive
	log.Printf("[SETTLEMENT] Delivering batch to %s (%d bytes)", endpoint, len(xmlData))
	return nil
}

// drain pops every queued payment. LPop keeps concurrent exports from
// double-settling a transaction.
func (s *SettlementService) drain(ctx context.Context) ([]models.Transaction, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("settlement queue unavailable")
	}

	var transactions []models.Transaction
	for {
		data, err := s.redis.LPop(ctx, settlementQueueKey).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return transactions, err
		}
		var txn models.Transaction
		if err := json.Unmarshal(data, &txn); err != nil {
			log.Printf("[SETTLEMENT] Dropping malformed queue entry: %v", err)
			continue
		}
		transactions = append(transactions, txn)
	}
	return transactions, nil
}

func (s *SettlementService) buildPacs008(transactions []models.Transaction) *pacs_v08.FIToFICustomerCreditTransferV08 {
	currency := common.ActiveCurrencyCode(viper.GetString("ledger.currency"))
	settlementDate := time.Now()

	var total int64
	credits := make([]pacs_v08.CreditTransferTransaction39, 0, len(transactions))
	for i := range transactions {
		txn := &transactions[i]
		// payments are stored as negative amounts; settle the absolute value
		amount := txn.Amount
		if amount < 0 {
			amount = -amount
		}
		total += amount

		endToEnd := txn.Reference
		if endToEnd == "" {
			endToEnd = txn.ID
		}

		credits = append(credits, pacs_v08.CreditTransferTransaction39{
			PmtId: pacs_v08.PaymentIdentification7{
				InstrId:    &[]common.Max35Text{common.Max35Text(txn.ID)}[0],
				EndToEndId: common.Max35Text(endToEnd),
				TxId:       &[]common.Max35Text{common.Max35Text(txn.ID)}[0],
			},
			IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   currency,
				Value: float64(amount) / 100,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			ChrgBr:        "SLEV",
			DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("WRSTPAYX")}[0],
				},
			},
			Dbtr: pacs_v08.PartyIdentification135{
				Nm: &[]common.Max140Text{common.Max140Text(txn.AccountID)}[0],
			},
			CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
						MmbId: common.Max35Text(txn.VendorID),
					},
				},
			},
			Cdtr: pacs_v08.PartyIdentification135{
				Nm: &[]common.Max140Text{common.Max140Text(txn.VendorID)}[0],
			},
		})
	}

	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(time.Now()),
			NbOfTxs: common.Max15NumericText(fmt.Sprintf("%d", len(transactions))),
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   currency,
				Value: float64(total) / 100,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: credits,
	}
}

func buildPacs002(transactionID, reference, status string) *pacs_v08.FIToFIPaymentStatusReportV08 {
	if reference == "" {
		reference = transactionID
	}
	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(transactionID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(reference)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(transactionID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
}

func toXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
