package ledgerhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-accounts/internal/ledger"
	"github.com/odyssey-erp/odyssey-accounts/internal/platform/httpx"
)

type ledgerReader interface {
	AccountByID(ctx context.Context, id int64) (ledger.Account, error)
	AccountByCode(ctx context.Context, code string) (ledger.Account, error)
	TransferByReference(ctx context.Context, reference string) (ledger.Transfer, error)
	MaxRefund(ctx context.Context, reference string) (decimal.Decimal, error)
}

// Handler exposes read-only ledger lookups for operators.
type Handler struct {
	logger  *slog.Logger
	service ledgerReader
	now     func() time.Time
}

// NewHandler constructs the ledger HTTP handler.
func NewHandler(service ledgerReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts/{id}", h.accountByID)
	r.Get("/accounts/code/{code}", h.accountByCode)
	r.Get("/transfers/{reference}", h.transfer)
	r.Get("/transfers/{reference}/max-refund", h.maxRefund)
}

type accountView struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code,omitempty"`
	Name          string     `json:"name,omitempty"`
	Status        string     `json:"status"`
	Balance       string     `json:"balance"`
	CreditLimit   *string    `json:"credit_limit"`
	Available     *string    `json:"available"`
	Active        bool       `json:"active"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
}

type entryView struct {
	AccountID int64  `json:"account_id"`
	Amount    string `json:"amount"`
}

type transferView struct {
	Reference         string      `json:"reference"`
	SourceID          int64       `json:"source_id"`
	DestinationID     int64       `json:"destination_id"`
	Amount            string      `json:"amount"`
	ParentID          *int64      `json:"parent_id,omitempty"`
	MerchantReference string      `json:"merchant_reference,omitempty"`
	Description       string      `json:"description,omitempty"`
	Username          string      `json:"username,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	Entries           []entryView `json:"entries"`
}

func (h *Handler) accountByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, fmt.Errorf("account id %q", chi.URLParam(r, "id"))), "invalid_account")
		return
	}
	account, err := h.service.AccountByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.account(account))
}

func (h *Handler) accountByCode(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.AccountByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.account(account))
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.TransferByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := transferView{
		Reference:         transfer.Reference,
		SourceID:          transfer.SourceID,
		DestinationID:     transfer.DestinationID,
		Amount:            transfer.Amount.StringFixed(ledger.AmountScale),
		ParentID:          transfer.ParentID,
		MerchantReference: transfer.MerchantReference,
		Description:       transfer.Description,
		Username:          transfer.Username,
		CreatedAt:         transfer.CreatedAt,
		Entries:           make([]entryView, 0, len(transfer.Entries)),
	}
	for _, e := range transfer.Entries {
		view.Entries = append(view.Entries, entryView{AccountID: e.AccountID, Amount: e.Amount.StringFixed(ledger.AmountScale)})
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) maxRefund(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	amount, err := h.service.MaxRefund(r.Context(), reference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{
		"reference":  reference,
		"max_refund": amount.StringFixed(ledger.AmountScale),
	})
}

func (h *Handler) account(a ledger.Account) accountView {
	now := h.now()
	view := accountView{
		ID:        a.ID,
		Code:      a.Code,
		Name:      a.Name,
		Status:    string(a.Status),
		Balance:   a.Balance.StringFixed(ledger.AmountScale),
		Active:    a.IsOpen() && a.IsActive(now),
		StartDate: a.StartDate,
		EndDate:   a.EndDate,
	}
	if a.CreditLimit != nil {
		limit := a.CreditLimit.StringFixed(ledger.AmountScale)
		view.CreditLimit = &limit
	}
	if available, bounded := a.AmountAvailable(); bounded {
		s := available.StringFixed(ledger.AmountScale)
		view.Available = &s
	}
	if days, ok := a.DaysRemaining(now); ok {
		view.DaysRemaining = &days
	}
	return view
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.ReasonCode(err)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransferNotFound):
		httpx.RespondError(w, httpx.Classify(httpx.ErrNotFound, err), code)
	case errors.Is(err, ledger.ErrUnexpected):
		h.logger.Error("ledger lookup", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err, code)
	default:
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, err), code)
	}
}
