// Chat lease and profile lock endpoints.
//
//   - POST /v1/chat/lock,   /v1/chats/lock    (aliases)
//   - POST /v1/chat/unlock, /v1/chats/unlock  (aliases)
//   - GET  /v1/locks                          (in-process profile locks)
//
// A chat lease parks one chat page for an external owner and removes its
// container from selection for the TTL. Unlock is owner-checked and reports
// whether the lease was actually released.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/browserfarm/orchestrator/internal/repo"
)

// defaultLockTTL applies when ttl_seconds is omitted.
const defaultLockTTL = 600

// ChatLockRequest is the JSON payload for acquiring a chat lease.
type ChatLockRequest struct {
	ChatURL    string `json:"chat_url" binding:"required"`
	LockedBy   string `json:"locked_by" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ChatUnlockRequest is the JSON payload for releasing a chat lease.
type ChatUnlockRequest struct {
	ChatURL  string `json:"chat_url" binding:"required"`
	LockedBy string `json:"locked_by" binding:"required"`
}

// LockChat grants (or refreshes) the lease on the chat at chat_url.
func (h *Handlers) LockChat(c *gin.Context) {
	var req ChatLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_url and locked_by are required")
		return
	}
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	sess, err := repo.LockChatByURL(c.Request.Context(), h.db, req.ChatURL, req.LockedBy, time.Duration(ttl)*time.Second)
	if err != nil {
		if err == repo.ErrNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no chat session at chat_url")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "chat_session": sess})
}

// UnlockChat releases the lease at chat_url when locked_by matches the
// current owner. The response reports whether a release happened; a
// mismatched owner or unknown URL is not an error.
func (h *Handlers) UnlockChat(c *gin.Context) {
	var req ChatUnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_url and locked_by are required")
		return
	}

	released, err := repo.UnlockChatByURL(c.Request.Context(), h.db, req.ChatURL, req.LockedBy)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": released})
}

// ProfileLocks lists the profile locks currently held in this process.
func (h *Handlers) ProfileLocks(c *gin.Context) {
	snap := h.locks.Snapshot()
	ok(c, http.StatusOK, gin.H{"ok": true, "locks": snap, "meta": gin.H{"count": len(snap)}})
}
