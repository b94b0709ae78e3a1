// Usage report endpoints.
//
//   - GET /v1/reports/containers?from=&to=&limit=&offset=
//   - GET /v1/reports/profiles?from=&to=&limit=&offset=
//   - GET /v1/reports/prompts?from=&to=&limit=&offset=
//
// from/to are required ISO-8601 timestamps bounding a half-open range
// [from, to). limit defaults to 50 and is clamped to [1, 500] by the repo
// layer; offset defaults to 0.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/browserfarm/orchestrator/internal/domain"
	"github.com/browserfarm/orchestrator/internal/repo"
)

// reportRange parses and validates the shared report query parameters.
// It returns ok=false after writing the error response.
func reportRange(c *gin.Context) (repo.ReportRange, bool) {
	from, okFrom := parseReportTime(c.Query("from"))
	to, okTo := parseReportTime(c.Query("to"))
	if !okFrom || !okTo {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from and to must be ISO-8601 timestamps")
		return repo.ReportRange{}, false
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be an integer in [1, 500]")
			return repo.ReportRange{}, false
		}
		limit = n
	}
	offset := 0
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "offset must be a non-negative integer")
			return repo.ReportRange{}, false
		}
		offset = n
	}

	return repo.ReportRange{From: from, To: to, Limit: limit, Offset: offset}.Clamp(), true
}

// parseReportTime accepts RFC3339 or a bare date and renders the stored
// string timestamp format so range comparisons stay lexicographic.
func parseReportTime(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(domain.TimeFormat), true
		}
	}
	return "", false
}

func reportMeta(r repo.ReportRange) gin.H {
	return gin.H{"from": r.From, "to": r.To, "limit": r.Limit, "offset": r.Offset}
}

// ReportContainers aggregates attempts per container over the range.
func (h *Handlers) ReportContainers(c *gin.Context) {
	r, okRange := reportRange(c)
	if !okRange {
		return
	}
	items, err := repo.ContainersUsage(c.Request.Context(), h.db, r)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "items": items, "meta": reportMeta(r)})
}

// ReportProfiles aggregates attempts per (profile, prompt) over the range.
func (h *Handlers) ReportProfiles(c *gin.Context) {
	r, okRange := reportRange(c)
	if !okRange {
		return
	}
	items, err := repo.ProfilesUsage(c.Request.Context(), h.db, r)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "items": items, "meta": reportMeta(r)})
}

// ReportPrompts aggregates jobs per effective prompt over the range.
func (h *Handlers) ReportPrompts(c *gin.Context) {
	r, okRange := reportRange(c)
	if !okRange {
		return
	}
	items, err := repo.PromptsUsage(c.Request.Context(), h.db, r)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "items": items, "meta": reportMeta(r)})
}
