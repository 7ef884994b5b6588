// Package httpapi is the HTTP surface over the ledger and the
// reconciliation engine.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hourbank.org/internal/audit"
	"hourbank.org/internal/auth"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/obs"
	"hourbank.org/internal/recon"
	"hourbank.org/internal/stream"
)

// ReadyProbe — простая проверка готовности (ping БД, если она настроена).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options wires the API dependencies.
type Options struct {
	Ledger     ledger.Service
	Engine     *recon.Engine
	Tokens     *auth.Tokens // nil disables bearer auth (dev mode)
	Stream     *stream.Stream
	ReadyProbe ReadyProbe
	Version    string
	RateBurst  int
	RatePerSec int
}

// API — HTTP слой.
type API struct {
	router     chi.Router
	ledger     ledger.Service
	engine     *recon.Engine
	tokens     *auth.Tokens
	stream     *stream.Stream
	readyProbe ReadyProbe
	version    string
	rateBurst  int
	ratePerSec int
}

func New(opts Options) *API {
	a := &API{
		router:     chi.NewRouter(),
		ledger:     opts.Ledger,
		engine:     opts.Engine,
		tokens:     opts.Tokens,
		stream:     opts.Stream,
		readyProbe: opts.ReadyProbe,
		version:    opts.Version,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSec,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}

	r := a.router
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/debts", a.createDebt)
		r.Get("/debts/{debtID}", a.getDebt)
		r.Get("/debts/{debtID}/deductions", a.listDeductions)
		r.Get("/debts/{debtID}/audit", a.auditTrail)
		r.Get("/users/{userID}/balance", a.getBalance)
		r.Get("/users/{userID}/history", a.getHistory)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Patch("/debts/{debtID}", a.adminUpdate)
			r.Patch("/debts/{debtID}/cancel", a.cancelDebt)
			r.Delete("/debts/{debtID}", a.softDelete)
			r.Post("/reconciliation/review", a.reviewMonthly)
			r.Post("/reconciliation/correct", a.correctMonthly)
			r.Get("/stream", a.Stream)
		})
	})

	return a
}

// Handler возвращает http.Handler для сервера: middleware снаружи внутрь —
// метрики, request id, безопасность, CORS, лимиты, аутентификация.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = WithRequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- base handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "hourbank-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "hourbank-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogError("audit log failed", map[string]any{"event": event, "err": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// errEmptyBody marks a request without a JSON body; some endpoints treat
// that as "use defaults".
var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *ledger.ValidationError
		ise *ledger.InvalidStateError
		iv  *ledger.InvariantViolation
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, r, http.StatusBadRequest, ve.Error())
	case errors.As(err, &ise):
		writeError(w, r, http.StatusConflict, ise.Error())
	case errors.As(err, &iv):
		writeError(w, r, http.StatusConflict, iv.Error())
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrMissingScope):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	default:
		obs.LogError("internal error", map[string]any{"err": err.Error(), "path": r.URL.Path})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
