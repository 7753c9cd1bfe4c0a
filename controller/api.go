package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/solarctl/solarctl/controller/cache"
	"github.com/solarctl/solarctl/controller/engine"
	"github.com/solarctl/solarctl/controller/idempotency"
	"github.com/solarctl/solarctl/controller/middleware"
	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/rules"
	"github.com/solarctl/solarctl/controller/store"
)

// API serves the HTTP surface in front of the engine and the store.
type API struct {
	store   store.Store
	archive store.AuditArchive // nil without DATABASE_URL
	engine  *engine.Engine
	prices  *cache.Prices // nil when no price client is configured
	wsHub   *EventHub

	idempotency *idempotency.Store

	// Storm protection: the manual cycle trigger reaches the inverter.
	cycleLimiter *rate.Limiter
}

func NewAPI(st store.Store, archive store.AuditArchive, eng *engine.Engine, prices *cache.Prices) *API {
	api := &API{
		store:        st,
		archive:      archive,
		engine:       eng,
		prices:       prices,
		idempotency:  idempotency.NewStore(),
		cycleLimiter: rate.NewLimiter(rate.Limit(2), 5),
	}
	api.wsHub = NewEventHub()
	return api
}

// Response envelope: {errno, result} on success, {errno, error} on
// failure. errno 0 means ok; non-zero values follow HTTP status codes.
func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"errno": 0, "result": result})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"errno": status, "error": msg})
}

// writeRateLimitError writes a 429 response with jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func tenantOr401(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return uid, true
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the recorded response for a repeated
// X-Idempotency-Key so client retries of mutating calls are safe.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		if resp, found := a.idempotency.Get(key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		a.idempotency.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// -- Config --

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := a.store.GetConfig(r.Context(), uid)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "config not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeResult(w, cfg)

	case http.MethodPost:
		// Merge semantics: decode over the existing document so absent
		// fields are preserved.
		cfg, err := a.store.GetConfig(r.Context(), uid)
		if err == store.ErrNotFound {
			cfg = &store.Config{UID: uid}
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		wasEnabled := cfg.AutomationEnabled
		if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		cfg.UID = uid
		cfg.UpdatedAt = time.Now().UnixMilli()
		if err := a.store.PutConfig(r.Context(), uid, cfg); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if wasEnabled && !cfg.AutomationEnabled {
			a.resetSegmentsCleared(r, uid)
		}
		writeResult(w, cfg)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// resetSegmentsCleared arms the one-shot clear the next cycle performs
// after automation is switched off.
func (a *API) resetSegmentsCleared(r *http.Request, uid string) {
	cleared := false
	if err := a.store.MergeState(r.Context(), uid, store.StatePatch{SegmentsCleared: &cleared}); err != nil {
		log.Printf("api: arming disable-clear for %s failed: %v", uid, err)
	}
}

// -- Rules --

func (a *API) handleRules(w http.ResponseWriter, r *http.Request) {
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := a.store.ListRules(r.Context(), uid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeResult(w, list)

	case http.MethodPost:
		var rule store.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rule.UID = uid
		if rule.RuleID == "" {
			rule.RuleID = uuid.NewString()
		}
		rule.CreatedAt = time.Now().UnixMilli()
		rule.UpdatedAt = rule.CreatedAt
		if err := rules.ValidateRule(&rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.store.PutRule(r.Context(), uid, &rule); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeResult(w, rule)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	ruleID := strings.TrimPrefix(r.URL.Path, "/api/rules/")
	if ruleID == "" || strings.Contains(ruleID, "/") {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rule, err := a.store.GetRule(r.Context(), uid, ruleID)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeResult(w, rule)

	case http.MethodPatch:
		rule, err := a.store.GetRule(r.Context(), uid, ruleID)
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		wasEnabled := rule.Enabled
		if err := json.NewDecoder(r.Body).Decode(rule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rule.UID = uid
		rule.RuleID = ruleID
		rule.UpdatedAt = time.Now().UnixMilli()
		if err := rules.ValidateRule(rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Disabling the live rule clears the device now, not next tick.
		if wasEnabled && !rule.Enabled {
			if err := a.engine.ClearIfActive(r.Context(), uid, ruleID); err != nil {
				writeError(w, http.StatusBadGateway, "segment clear failed: "+err.Error())
				return
			}
		}
		if err := a.store.PutRule(r.Context(), uid, rule); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeResult(w, rule)

	case http.MethodDelete:
		if err := a.engine.ClearIfActive(r.Context(), uid, ruleID); err != nil {
			writeError(w, http.StatusBadGateway, "segment clear failed: "+err.Error())
			return
		}
		if err := a.store.DeleteRule(r.Context(), uid, ruleID); err != nil && err != store.ErrNotFound {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeResult(w, map[string]string{"deleted": ruleID})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
