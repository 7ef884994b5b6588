package httpapi

import (
	"errors"
	"net/http"

	"hourbank.org/internal/recon"
)

type reconRequest struct {
	From string `json:"from,omitempty"` // YYYY-MM-DD
	To   string `json:"to,omitempty"`
}

// parseRange reads the optional body range. Empty body means "previous
// calendar month", resolved by the engine.
func parseRange(w http.ResponseWriter, r *http.Request) (recon.Range, error) {
	var req reconRequest
	if err := decodeJSON(w, r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			return recon.Range{}, nil
		}
		return recon.Range{}, err
	}
	var rng recon.Range
	if req.From == "" && req.To == "" {
		return rng, nil
	}
	if req.From == "" || req.To == "" {
		return rng, errors.New("from and to must be given together")
	}
	from, err := parseDay(req.From)
	if err != nil {
		return rng, err
	}
	to, err := parseDay(req.To)
	if err != nil {
		return rng, err
	}
	if to.Before(from) {
		return rng, errors.New("to must not precede from")
	}
	rng.From, rng.To = from, to
	return rng, nil
}

func (a *API) reviewMonthly(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.engine.Review(r.Context(), rng)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "reconciliation.review", map[string]any{
		"minutes_applied": report.MinutesApplied,
		"flags":           len(report.Flags),
		"errors":          len(report.Errors),
	})
	writeJSON(w, http.StatusOK, report)
}

func (a *API) correctMonthly(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.engine.Correct(r.Context(), rng)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "reconciliation.correct", map[string]any{
		"users_processed": report.UsersProcessed,
		"applied_minutes": report.AppliedMinutes,
		"errors":          len(report.Errors),
	})
	writeJSON(w, http.StatusOK, report)
}
