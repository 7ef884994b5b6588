package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hourbank.org/internal/ledger"
)

type createDebtRequest struct {
	DebtorID    string `json:"debtor_id"`
	Date        string `json:"date"` // YYYY-MM-DD
	MinutesOwed int    `json:"minutes_owed"`
	Reason      string `json:"reason,omitempty"`
}

func (a *API) createDebt(w http.ResponseWriter, r *http.Request) {
	var req createDebtRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	day, err := parseDay(req.Date)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	d, err := a.ledger.CreateDebt(r.Context(), ledger.CreateDebtInput{
		DebtorID:    req.DebtorID,
		Date:        day,
		MinutesOwed: req.MinutesOwed,
		Reason:      req.Reason,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "debt.create", map[string]any{
		"debt_id": d.ID, "debtor_id": d.DebtorID, "minutes_owed": d.MinutesOwed,
	})
	w.Header().Set("Location", "/v1/debts/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) getDebt(w http.ResponseWriter, r *http.Request) {
	d, err := a.ledger.GetDebt(r.Context(), chi.URLParam(r, "debtID"))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := a.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         userID,
		"balance_minutes": balance,
		"as_of":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rows, err := a.ledger.GetHistory(r.Context(), userID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if rows == nil {
		rows = []ledger.DebtWithDeductions{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"debts":   rows,
	})
}

type adminUpdateRequest struct {
	MinutesOwed      *int   `json:"minutes_owed,omitempty"`
	RemainingMinutes *int   `json:"remaining_minutes,omitempty"`
	Reason           string `json:"reason"`
}

func (a *API) adminUpdate(w http.ResponseWriter, r *http.Request) {
	var req adminUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason, err := ledger.NewReason(req.Reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	debtID := chi.URLParam(r, "debtID")
	d, err := a.ledger.AdminUpdate(r.Context(), debtID, ledger.AdminUpdate{
		MinutesOwed:      req.MinutesOwed,
		RemainingMinutes: req.RemainingMinutes,
	}, reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "debt.admin_update", map[string]any{
		"debt_id": d.ID, "reason": reason.String(),
	})
	writeJSON(w, http.StatusOK, d)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *API) cancelDebt(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reason, err := ledger.NewReason(req.Reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	debtID := chi.URLParam(r, "debtID")
	d, err := a.ledger.Cancel(r.Context(), debtID, reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "debt.cancel", map[string]any{
		"debt_id": d.ID, "reason": reason.String(),
	})
	writeJSON(w, http.StatusOK, d)
}

func (a *API) softDelete(w http.ResponseWriter, r *http.Request) {
	debtID := chi.URLParam(r, "debtID")
	if err := a.ledger.SoftDelete(r.Context(), debtID); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "debt.soft_delete", map[string]any{"debt_id": debtID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDeductions(w http.ResponseWriter, r *http.Request) {
	debtID := chi.URLParam(r, "debtID")
	deds, err := a.ledger.ListDeductions(r.Context(), debtID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if deds == nil {
		deds = []ledger.Deduction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debt_id":    debtID,
		"deductions": deds,
	})
}

func (a *API) auditTrail(w http.ResponseWriter, r *http.Request) {
	debtID := chi.URLParam(r, "debtID")
	entries, err := a.ledger.AuditTrail(r.Context(), debtID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debt_id": debtID,
		"entries": entries,
	})
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Msg: "date must be YYYY-MM-DD"}
	}
	return t, nil
}
