// Container status and admin endpoints.
//
//   - GET  /v1/status?container_id=   (single container; first enabled when omitted)
//   - GET  /v1/status/all             (whole fleet, session-enriched)
//   - POST /v1/containers/:id/enable
//   - POST /v1/containers/:id/disable
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Status reports one container's live status. When container_id is omitted
// the first enabled container is probed, matching the legacy behavior.
func (h *Handlers) Status(c *gin.Context) {
	cid := c.Query("container_id")
	if cid == "" {
		enabled := h.pool.ListEnabled()
		if len(enabled) == 0 {
			ok(c, http.StatusOK, gin.H{"ok": false, "error": "no enabled containers"})
			return
		}
		cid = enabled[0]
	}

	st, err := h.status.One(c.Request.Context(), cid, requestID(c))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown container_id")
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "status": st})
}

// StatusAll reports the status of every registered container, probed
// concurrently and enriched with the chat session bound to each page.
func (h *Handlers) StatusAll(c *gin.Context) {
	list, err := h.status.All(c.Request.Context(), requestID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "containers": list})
}

// EnableContainer returns a disabled container to the selection set.
func (h *Handlers) EnableContainer(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.Enable(id); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown container_id")
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "container_id": id, "enabled": true})
}

// DisableContainer removes a container from the selection set. Unknown ids
// are a no-op, mirroring pool semantics.
func (h *Handlers) DisableContainer(c *gin.Context) {
	id := c.Param("id")
	h.pool.Disable(id)
	ok(c, http.StatusOK, gin.H{"ok": true, "container_id": id, "enabled": false})
}
