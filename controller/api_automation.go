package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/solarctl/solarctl/controller/clients"
	"github.com/solarctl/solarctl/controller/engine"
	"github.com/solarctl/solarctl/controller/store"
)

// -- Engine control --

func (a *API) handleAutomationEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := a.store.GetConfig(r.Context(), uid)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	wasEnabled := cfg.AutomationEnabled
	cfg.AutomationEnabled = req.Enabled
	cfg.UpdatedAt = time.Now().UnixMilli()
	if err := a.store.PutConfig(r.Context(), uid, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Flipping off arms the one-shot segment clear on the next cycle.
	if wasEnabled && !req.Enabled {
		a.resetSegmentsCleared(r, uid)
	}
	writeResult(w, map[string]bool{"enabled": req.Enabled})
}

func (a *API) handleAutomationCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.cycleLimiter.Allow() {
		a.writeRateLimitError(w, "cycle")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	entry, err := a.engine.RunCycle(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeResult(w, entry)
}

func (a *API) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	status, err := a.engine.AutomationStatus(r.Context(), uid)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeResult(w, status)
}

// -- Observability --

func daysParam(r *http.Request, def, max int) int {
	days := def
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	if days > max {
		days = max
	}
	return days
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	days := daysParam(r, 7, 90)
	sinceMs := time.Now().AddDate(0, 0, -days).UnixMilli()

	// The Redis trail is capped; the archive holds the long horizon.
	var entries []*store.AuditEntry
	var err error
	if a.archive != nil {
		entries, err = a.archive.QueryAudit(r.Context(), uid, sinceMs, 1000)
	} else {
		entries, err = a.store.ListAudit(r.Context(), uid, sinceMs, 1000)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeResult(w, entries)
}

func (a *API) handleAPICallMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	days := daysParam(r, 7, 90)
	wanted := lo.Times(days, func(i int) string {
		return time.Now().UTC().AddDate(0, 0, -i).Format("2006-01-02")
	})
	counters, err := a.store.GetAPICounters(r.Context(), uid, wanted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Sorted in-process, newest first; the store returns whatever order
	// the backend produced.
	sort.Slice(counters, func(i, j int) bool { return counters[i].Day > counters[j].Day })
	writeResult(w, counters)
}

// handlePriceHistory serves the gap-filled price interval range for the
// tenant's site. Dates are whole days; the span is capped at 90 days.
func (a *API) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	if a.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price history unavailable")
		return
	}
	cfg, err := a.store.GetConfig(r.Context(), uid)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	end := time.Now().UTC()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end date")
			return
		}
		end = t
	}
	start := end.AddDate(0, 0, -7)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start date")
			return
		}
		start = t
	}
	if start.After(end) {
		writeError(w, http.StatusBadRequest, "start after end")
		return
	}
	if end.Sub(start) > 90*24*time.Hour {
		start = end.AddDate(0, 0, -90)
	}

	acct := clients.AmberAccount{UID: uid, APIKey: cfg.AmberAPIKey, SiteID: cfg.AmberSiteID}
	intervals, err := a.prices.History(r.Context(), acct, start, end)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeResult(w, intervals)
}

// -- Quick control --

func (a *API) handleQuickControlStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	var req struct {
		WorkMode string `json:"workMode"`
		Power    int    `json:"power"`
		Minutes  int    `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	qc, err := a.engine.StartQuickControl(r.Context(), uid, store.WorkMode(req.WorkMode), req.Power, req.Minutes, "api")
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, engine.ErrBadRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeResult(w, qc)
}

func (a *API) handleQuickControlStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	if err := a.engine.StopQuickControl(r.Context(), uid); err != nil && err != store.ErrNotFound {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeResult(w, map[string]bool{"active": false})
}

func (a *API) handleQuickControlStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid, ok := tenantOr401(w, r)
	if !ok {
		return
	}
	qc, err := a.engine.QuickControlStatus(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeResult(w, qc)
}
