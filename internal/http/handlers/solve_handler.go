// Solve endpoint.
//
//   - POST /v1/solve
//
// The handler binds the request body, adopts the transport correlation id
// when the body does not carry one, and passes the request to the engine.
// The engine's (status, response) pair is written verbatim: failed solves
// still answer with the full SolveResponse envelope, not the transport
// error shape.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/browserfarm/orchestrator/internal/engine"
	"github.com/browserfarm/orchestrator/internal/http/middleware"
)

// Solve runs one solve request.
func (h *Handlers) Solve(c *gin.Context) {
	var req engine.SolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID(c)
	}

	lg := middleware.LoggerFrom(c)
	lg.Info().
		Str("profile_id", req.Options.ProfileID).
		Str("prompt_id", req.Options.PromptID).
		Msg("solve_accepted")

	status, resp := h.solver.Solve(c.Request.Context(), &req)
	ok(c, status, resp)
}
