// Profile hygiene endpoints.
//
//   - GET  /v1/profiles/blocked            (guest-contaminated profiles)
//   - POST /v1/profiles/:id/guest/clear    (delete guest chats, unblock)
//   - POST /v1/profiles/:id/chats/archive  (archive all chats of a profile)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/browserfarm/orchestrator/internal/http/middleware"
	"github.com/browserfarm/orchestrator/internal/repo"
)

// BlockedProfiles lists profiles excluded from routing by guest-marked chats.
func (h *Handlers) BlockedProfiles(c *gin.Context) {
	items, err := repo.ListBlockedProfiles(c.Request.Context(), h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "items": items, "meta": gin.H{"count": len(items)}})
}

// ClearGuestChats deletes the guest-marked chat sessions of a profile,
// lifting its block.
func (h *Handlers) ClearGuestChats(c *gin.Context) {
	pid := c.Param("id")
	deleted, err := repo.DeleteGuestChatsForProfile(c.Request.Context(), h.db, pid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	middleware.LoggerFrom(c).Info().
		Str("profile_id", pid).
		Int64("deleted", deleted).
		Msg("guest_chats_cleared")
	ok(c, http.StatusOK, gin.H{"ok": true, "profile_id": pid, "deleted": deleted})
}

// ArchiveProfileChats disables and archive-tags every chat session of a
// profile so future solves start fresh chats.
func (h *Handlers) ArchiveProfileChats(c *gin.Context) {
	pid := c.Param("id")
	archived, err := repo.ArchiveChatsForProfile(c.Request.Context(), h.db, pid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	middleware.LoggerFrom(c).Info().
		Str("profile_id", pid).
		Int64("archived", archived).
		Msg("profile_chats_archived")
	ok(c, http.StatusOK, gin.H{"ok": true, "profile_id": pid, "archived": archived})
}
