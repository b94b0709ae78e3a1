package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/chats"
	"github.com/browserfarm/orchestrator/internal/containers"
	"github.com/browserfarm/orchestrator/internal/domain"
	"github.com/browserfarm/orchestrator/internal/profiles"
	"github.com/browserfarm/orchestrator/internal/prompts"
	"github.com/browserfarm/orchestrator/internal/repo"
	"github.com/browserfarm/orchestrator/internal/upstream"
)

// ContainerClient is the slice of the upstream client the executor uses.
type ContainerClient interface {
	Status(ctx context.Context, requestID string) (upstream.StatusPayload, error)
	AnalyzeText(ctx context.Context, p upstream.AnalyzeParams, requestID string) (upstream.Result, error)
	AnalyzeImageB64(ctx context.Context, p upstream.AnalyzeParams, requestID string) (upstream.Result, error)
}

// ClientPool abstracts the upstream pool for the executor.
type ClientPool interface {
	Get(containerID string) (ContainerClient, error)
	IsEnabled(containerID string) bool
}

// AdaptPool wraps an *upstream.Pool as a ClientPool.
func AdaptPool(p *upstream.Pool) ClientPool { return poolAdapter{p} }

type poolAdapter struct{ p *upstream.Pool }

func (a poolAdapter) IsEnabled(id string) bool { return a.p.IsEnabled(id) }
func (a poolAdapter) Get(id string) (ContainerClient, error) {
	c, err := a.p.Get(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Executor orchestrates one solve request end to end.
type Executor struct {
	db       *gorm.DB
	profiles *profiles.Manager
	locks    *profiles.ProfileLock
	prompts  *prompts.Registry
	selector *containers.Selector
	chats    *chats.Manager
	pool     ClientPool

	allowSocksOverride bool
}

// NewExecutor wires the executor's collaborators.
func NewExecutor(db *gorm.DB, pm *profiles.Manager, locks *profiles.ProfileLock, pr *prompts.Registry, sel *containers.Selector, cm *chats.Manager, pool ClientPool, allowSocksOverride bool) *Executor {
	return &Executor{
		db:                 db,
		profiles:           pm,
		locks:              locks,
		prompts:            pr,
		selector:           sel,
		chats:              cm,
		pool:               pool,
		allowSocksOverride: allowSocksOverride,
	}
}

// candidate is one (profile, optional pinned coordinate) the per-candidate
// loop may try.
type candidate struct {
	profileID            string
	preferredContainerID string
	preferredChatID      string
	pinned               bool
}

// solveState carries the mutable pieces of one solve across helpers.
type solveState struct {
	req       *SolveRequest
	requestID string
	promptID  string
	spec      prompts.PromptSpec
	override  string // request-level socks override
	explicit  bool
	jobID     string
	meta      Meta
	start     time.Time

	profileBusy   int
	containerBusy int
	lastBusy      *profiles.ProfileBusyError
	attempts      []AttemptInfo
}

// Solve runs one solve request and returns the HTTP status plus response.
// Every return path finalizes the job row (when one was created) and
// carries a complete meta block.
func (e *Executor) Solve(ctx context.Context, req *SolveRequest) (int, *SolveResponse) {
	st := &solveState{
		req:       req,
		requestID: strings.TrimSpace(req.RequestID),
		start:     time.Now(),
	}
	if st.requestID == "" {
		st.requestID = uuid.NewString()
	}
	st.promptID = strings.TrimSpace(req.Options.PromptID)
	if st.promptID == "" {
		st.promptID = strings.TrimSpace(req.PromptID)
	}
	if st.promptID == "" {
		st.promptID = "default"
	}
	st.override = strings.TrimSpace(req.Options.SocksOverride)
	if st.override == "" {
		st.override = strings.TrimSpace(req.Options.SocksID)
	}
	st.explicit = req.Options.ProfileID != "" || req.Options.ChatURL != ""
	st.meta = Meta{
		RequestID:        st.requestID,
		PromptIDSelected: st.promptID,
		FanoutRequested:  1,
		ContainerIDsUsed: []string{},
		ChatIDsUsed:      []string{},
		StartedAt:        domain.NowISO(),
	}

	log.Info().
		Str("request_id", st.requestID).
		Str("prompt_id", st.promptID).
		Str("profile_id", req.Options.ProfileID).
		Bool("has_text", req.Input.Text != "").
		Bool("has_image", req.Input.ImageB64 != "").
		Msg("solve_start")

	// Input validation happens before the audit row: a request this
	// malformed never reached routing.
	if strings.TrimSpace(req.Input.Text) == "" && strings.TrimSpace(req.Input.ImageB64) == "" {
		return e.fail(st, 400, CodeInvalidRequest, "input.text or input.image_b64 is required", nil)
	}
	if strings.TrimSpace(req.Input.ImageB64) != "" && strings.TrimSpace(req.Input.ImageExt) == "" {
		return e.fail(st, 400, CodeInvalidRequest, "input.image_ext is required with input.image_b64", nil)
	}
	spec, err := e.prompts.Get(st.promptID)
	if err != nil {
		return e.fail(st, 400, CodeInvalidRequest, "unknown prompt_id", map[string]any{"prompt_id": st.promptID})
	}
	st.spec = spec

	jobID, err := repo.InsertJobStart(ctx, e.db, repo.InsertJobParams{
		RequestID:         st.requestID,
		PromptID:          st.promptID,
		InputText:         req.Input.Text,
		InputImagePresent: req.Input.ImageB64 != "",
		InputImageExt:     req.Input.ImageExt,
		FanoutRequested:   1,
	})
	if err != nil {
		return e.fail(st, 500, CodeInternalError, "failed to record job", nil)
	}
	st.jobID = jobID
	st.meta.JobID = jobID
	if err := repo.SetJobSelectedPrompt(ctx, e.db, jobID, st.promptID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("selected prompt not recorded")
	}

	cands, status, resp := e.buildCandidates(ctx, st)
	if resp != nil {
		return status, resp
	}

	for _, cand := range cands {
		status, resp := e.tryCandidate(ctx, st, cand)
		if resp != nil {
			return status, resp
		}
	}

	// Exhaustion: every candidate was skipped.
	details := map[string]any{
		"profile_busy":   st.profileBusy,
		"container_busy": st.containerBusy,
		"candidates":     len(cands),
	}
	if st.profileBusy > 0 && st.containerBusy == 0 {
		if st.lastBusy != nil {
			details["state"] = st.lastBusy.State
			details["owner"] = st.lastBusy.Owner
			details["age_seconds"] = st.lastBusy.AgeSeconds
		}
		return e.fail(st, 503, CodeProfileBusy, "all candidate profiles are locked", details)
	}
	return e.fail(st, 503, CodeContainerBusy, "no container available", details)
}

// fail finalizes the job (when present) and builds the error response.
func (e *Executor) fail(st *solveState, status int, code, msg string, details map[string]any) (int, *SolveResponse) {
	if st.jobID != "" {
		if err := repo.FinishJob(context.Background(), e.db, st.jobID, repo.FinishJobParams{
			ErrorCode:    code,
			ErrorMessage: msg,
		}); err != nil {
			log.Error().Err(err).Str("job_id", st.jobID).Msg("job finalization failed")
		}
	}
	st.meta.FinishedAt = domain.NowISO()
	observeSolve(code, st.start)
	log.Warn().
		Str("request_id", st.requestID).
		Str("job_id", st.jobID).
		Str("code", code).
		Int("status", status).
		Msg("solve_failed")
	resp := &SolveResponse{
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: msg, Details: details},
		Meta:  st.meta,
	}
	if st.req.Options.IncludeDebug {
		resp.Attempts = st.attempts
	}
	return status, resp
}

// buildCandidates produces the ordered profile candidates. A non-nil
// response means candidate building itself failed terminally.
func (e *Executor) buildCandidates(ctx context.Context, st *solveState) ([]candidate, int, *SolveResponse) {
	opts := st.req.Options

	if url := strings.TrimSpace(opts.ChatURL); url != "" {
		sess, err := repo.GetChatSessionByURL(ctx, e.db, url)
		if err != nil {
			status, resp := e.fail(st, 400, CodeInvalidRequest, "chat_url is not registered", map[string]any{"chat_url": url})
			return nil, status, resp
		}
		if sess.Disabled || sess.Blocked() {
			status, resp := e.fail(st, 409, CodeChatBlocked, "pinned chat is blocked", map[string]any{
				"chat_id": sess.ChatID, "tag": sess.Tag, "disabled": sess.Disabled,
			})
			return nil, status, resp
		}
		if sess.PromptID != st.promptID {
			status, resp := e.fail(st, 400, CodeInvalidRequest, "chat_url belongs to another prompt", map[string]any{
				"chat_url_prompt_id": sess.PromptID,
			})
			return nil, status, resp
		}
		if opts.ProfileID != "" && sess.ProfileID != opts.ProfileID {
			status, resp := e.fail(st, 400, CodeInvalidRequest, "chat_url belongs to another profile", map[string]any{
				"chat_url_profile_id": sess.ProfileID,
			})
			return nil, status, resp
		}
		profileID := opts.ProfileID
		if profileID == "" {
			profileID = sess.ProfileID
		}
		if st.override == "" {
			st.override = sess.SocksID
		}
		return []candidate{{
			profileID:            profileID,
			preferredContainerID: sess.ContainerID,
			preferredChatID:      sess.ChatID,
			pinned:               true,
		}}, 0, nil
	}

	if opts.ProfileID != "" {
		return []candidate{{profileID: opts.ProfileID}}, 0, nil
	}

	// Auto path: recent live sessions first, then cold profiles by use.
	var cands []candidate
	seenQuad := map[string]struct{}{}
	seenProfile := map[string]struct{}{}

	sessions, err := repo.ListRecentPromptSessions(ctx, e.db, st.promptID, 60)
	if err != nil {
		log.Warn().Err(err).Msg("recent session scan failed")
	}
	limit := st.spec.DefaultMaxChatUses
	if opts.MaxChatUses != nil && *opts.MaxChatUses > 0 {
		limit = *opts.MaxChatUses
	}
	for i := range sessions {
		sess := &sessions[i]
		if sess.Disabled || sess.Blocked() || sess.ProfileID == "" {
			continue
		}
		if sess.UsesCount >= limit {
			continue
		}
		quad := sess.ProfileID + "\x00" + sess.SocksID + "\x00" + sess.ContainerID + "\x00" + sess.ChatID
		if _, dup := seenQuad[quad]; dup {
			continue
		}
		seenQuad[quad] = struct{}{}
		seenProfile[sess.ProfileID] = struct{}{}
		cands = append(cands, candidate{
			profileID:            sess.ProfileID,
			preferredContainerID: sess.ContainerID,
			preferredChatID:      sess.ChatID,
		})
	}

	profs, err := repo.ListProfilesByUse(ctx, e.db)
	if err != nil {
		status, resp := e.fail(st, 500, CodeInternalError, "profile enumeration failed", nil)
		return nil, status, resp
	}
	for i := range profs {
		p := &profs[i]
		if p.PendingReplace || p.Exhausted() {
			continue
		}
		if _, dup := seenProfile[p.ProfileID]; dup {
			continue
		}
		cands = append(cands, candidate{profileID: p.ProfileID})
	}
	return cands, 0, nil
}

// tryCandidate runs one candidate through the full per-candidate pipeline.
// A nil response means the candidate was skipped softly and the loop
// should continue.
func (e *Executor) tryCandidate(ctx context.Context, st *solveState, cand candidate) (int, *SolveResponse) {
	rp, err := e.profiles.ResolveForRequest(ctx, cand.profileID, st.override, e.allowSocksOverride)
	if err != nil {
		switch {
		case errors.Is(err, profiles.ErrSocksOverrideDenied):
			return e.fail(st, 400, CodeInvalidRequest, err.Error(), nil)
		case errors.Is(err, profiles.ErrUnknownProfile), errors.Is(err, profiles.ErrUnknownSocks):
			if st.explicit {
				return e.fail(st, 400, CodeInvalidRequest, err.Error(), nil)
			}
			solveSkips.WithLabelValues("unknown_profile").Inc()
			return 0, nil
		default:
			return e.fail(st, 500, CodeInternalError, "profile resolution failed", nil)
		}
	}

	// Guest contagion blocks the whole profile.
	hasGuest, err := repo.ProfileHasGuestChat(ctx, e.db, cand.profileID)
	if err != nil {
		return e.fail(st, 500, CodeInternalError, "guest check failed", nil)
	}
	if hasGuest {
		if st.explicit {
			n, _ := repo.CountGuestChatsForProfile(ctx, e.db, cand.profileID)
			return e.fail(st, 409, CodeProfileBlocked, "profile has guest chat sessions", map[string]any{
				"profile_id":  cand.profileID,
				"guest_chats": n,
				"hint":        "clear with POST /v1/profiles/" + cand.profileID + "/guest/clear",
			})
		}
		solveSkips.WithLabelValues("profile_blocked").Inc()
		return 0, nil
	}

	if !st.explicit && rp.Profile.Exhausted() {
		solveSkips.WithLabelValues("profile_exhausted").Inc()
		return 0, nil
	}

	release, err := e.locks.TryLock(ctx, cand.profileID, st.requestID)
	if err != nil {
		var busy *profiles.ProfileBusyError
		if errors.As(err, &busy) {
			st.profileBusy++
			st.lastBusy = busy
			solveSkips.WithLabelValues("profile_busy").Inc()
			return 0, nil
		}
		return e.fail(st, 500, CodeInternalError, "profile lock failed", nil)
	}
	defer release()

	return e.runLocked(ctx, st, cand, rp)
}

// runLocked is the candidate pipeline from container choice onward; the
// profile lock is held by the caller for its duration.
func (e *Executor) runLocked(ctx context.Context, st *solveState, cand candidate, rp *profiles.ResolvedProfile) (int, *SolveResponse) {
	pinnedURL := ""
	if cand.pinned {
		pinnedURL = st.req.Options.ChatURL
	}

	containerID := ""
	pref := cand.preferredContainerID
	if pref != "" && rp.Profile.AllowsContainer(pref) && e.pool.IsEnabled(pref) {
		containerID = pref
	} else {
		ids, err := e.selector.SelectContainers(ctx, containers.SelectParams{
			Fanout:            1,
			AllowedContainers: rp.Profile.AllowedContainers(),
			ChatURL:           pinnedURL,
			RequestID:         st.requestID,
		})
		if err != nil {
			var ne *containers.NotEnoughContainersError
			if errors.As(err, &ne) {
				st.containerBusy++
				solveSkips.WithLabelValues("container_busy").Inc()
				log.Debug().
					Str("profile_id", cand.profileID).
					Str("reason", ne.Reason).
					Msg("candidate has no container")
				return 0, nil
			}
			return e.fail(st, 500, CodeInternalError, "container selection failed", nil)
		}
		containerID = ids[0]
	}

	client, err := e.pool.Get(containerID)
	if err != nil {
		st.containerBusy++
		solveSkips.WithLabelValues("container_busy").Inc()
		return 0, nil
	}

	// Busy precheck: nothing is sent to a container that reports busy.
	pst, err := client.Status(ctx, st.requestID)
	if err != nil || pst.IsBusy() {
		st.containerBusy++
		solveSkips.WithLabelValues("container_busy").Inc()
		return 0, nil
	}

	if err := repo.SetJobRouting(ctx, e.db, st.jobID, cand.profileID, rp.SocksID); err != nil {
		return e.fail(st, 500, CodeInternalError, "job routing update failed", nil)
	}
	if err := repo.SetJobSelectedContainers(ctx, e.db, st.jobID, []string{containerID}, "multi", 1); err != nil {
		return e.fail(st, 500, CodeInternalError, "job selection update failed", nil)
	}
	st.meta.ProfileID = cand.profileID
	st.meta.SocksID = rp.SocksID
	st.meta.SocksURL = upstream.RedactSocksURL(rp.SocksURL)
	st.meta.ContainerIDsUsed = []string{containerID}

	log.Info().
		Str("request_id", st.requestID).
		Str("profile_id", cand.profileID).
		Str("container_id", containerID).
		Msg("profile_resolved")

	sess, err := e.chats.GetOrCreate(ctx, chats.SessionParams{
		ContainerID:        containerID,
		PromptID:           st.promptID,
		ProfileID:          cand.profileID,
		SocksID:            rp.SocksID,
		PreferredChatID:    cand.preferredChatID,
		ChatURL:            pinnedURL,
		ForceNew:           st.req.Options.ForceNewChat,
		MaxChatUses:        st.req.Options.MaxChatUses,
		DefaultMaxChatUses: st.spec.DefaultMaxChatUses,
	})
	if err != nil {
		if errors.Is(err, chats.ErrUnregisteredChatURL) || errors.Is(err, chats.ErrChatURLContainerMismatch) {
			return e.fail(st, 400, CodeInvalidRequest, err.Error(), nil)
		}
		return e.fail(st, 500, CodeInternalError, "chat setup failed", nil)
	}

	sess, err = e.chats.EnsureLoaded(ctx, client, sess, st.spec.StartPrompt, rp.Profile.ProfileValue, rp.SocksURL, st.requestID)
	if err != nil {
		if upstream.IsBusy(err) {
			st.containerBusy++
			solveSkips.WithLabelValues("container_busy").Inc()
			return 0, nil
		}
		if kind := upstream.ErrKind(err); kind != "" {
			return e.failUpstream(st, err)
		}
		return e.fail(st, 500, CodeInternalError, "start prompt failed", nil)
	}

	// The remote may have handed back a guest or retired chat.
	if domain.NormTag(sess.ChatID) == domain.MarkerGuest || domain.NormTag(sess.Tag) == domain.MarkerGuest {
		disabled := true
		_ = repo.MarkChatSessionTag(ctx, e.db, sess.ID, domain.MarkerGuest, &disabled)
		return e.fail(st, 409, CodeProfileBlocked, "chat came up as guest", map[string]any{
			"profile_id": cand.profileID,
		})
	}
	if sess.Blocked() || sess.Disabled {
		disabled := true
		_ = repo.MarkChatSessionTag(ctx, e.db, sess.ID, domain.MarkerArchive, &disabled)
		if st.explicit {
			return e.fail(st, 409, CodeChatBlocked, "chat session is blocked", map[string]any{
				"chat_session_id": sess.ID,
			})
		}
		solveSkips.WithLabelValues("chat_blocked").Inc()
		return 0, nil
	}

	// A fresh session has no chat id until the first response lands.
	if sess.ChatID != "" {
		st.meta.ChatIDsUsed = append(st.meta.ChatIDsUsed, sess.ChatID)
	}
	st.meta.PageURL = sess.PageURL

	attemptID, err := repo.CreateJobAttempt(ctx, e.db, repo.CreateAttemptParams{
		JobID:         st.jobID,
		ContainerID:   containerID,
		PromptID:      st.promptID,
		Role:          "primary",
		ProfileID:     cand.profileID,
		SocksID:       rp.SocksID,
		ChatID:        sess.ChatID,
		PageURL:       sess.PageURL,
		ChatSessionID: strconv.FormatInt(sess.ID, 10),
	})
	if err != nil {
		return e.fail(st, 500, CodeInternalError, "attempt record failed", nil)
	}

	res, err := e.invokeUpstream(ctx, st, client, sess, rp)
	if err != nil {
		code, msg := classifySolveError(err)
		_ = repo.FinishJobAttempt(ctx, e.db, attemptID, repo.FinishAttemptParams{
			Status:       domain.StatusFailed,
			ErrorCode:    code,
			ErrorMessage: msg,
		})
		st.attempts = append(st.attempts, AttemptInfo{
			AttemptID:   attemptID,
			ContainerID: containerID,
			ProfileID:   cand.profileID,
			ChatID:      sess.ChatID,
			PageURL:     sess.PageURL,
			Status:      domain.StatusFailed,
			ErrorCode:   code,
		})
		log.Warn().
			Str("request_id", st.requestID).
			Str("attempt_id", attemptID).
			Str("code", code).
			Msg("attempt_failed")
		return e.failUpstream(st, err)
	}

	finalText := res.BestText()

	// Register the page the chat landed on when this was its first use.
	if sess.ChatID == "" {
		if pageURL := strings.TrimSpace(res.PageURL()); pageURL != "" {
			chatID := upstream.ParseChatIDFromPageURL(pageURL)
			if updated, uerr := repo.UpdateChatSession(ctx, e.db, sess.ID, repo.ChatSessionUpdate{
				ChatID:  &chatID,
				PageURL: &pageURL,
			}); uerr == nil {
				sess = updated
				st.meta.PageURL = sess.PageURL
				st.meta.ChatIDsUsed = []string{sess.ChatID}
			}
		}
	}

	_ = repo.FinishJobAttempt(ctx, e.db, attemptID, repo.FinishAttemptParams{
		Status:        domain.StatusSucceeded,
		ResultText:    finalText,
		ResultRawJSON: res.RawJSON(),
	})
	if err := repo.FinishJob(ctx, e.db, st.jobID, repo.FinishJobParams{
		Succeeded:     true,
		ResultText:    finalText,
		ResultRawJSON: res.RawJSON(),
	}); err != nil {
		log.Error().Err(err).Str("job_id", st.jobID).Msg("job finalization failed")
	}
	if err := e.profiles.IncrementUse(ctx, cand.profileID, 1); err != nil {
		log.Warn().Err(err).Str("profile_id", cand.profileID).Msg("profile use count not updated")
	}

	st.attempts = append(st.attempts, AttemptInfo{
		AttemptID:   attemptID,
		ContainerID: containerID,
		ProfileID:   cand.profileID,
		ChatID:      sess.ChatID,
		PageURL:     sess.PageURL,
		Status:      domain.StatusSucceeded,
		ResultText:  finalText,
	})
	st.meta.FinishedAt = domain.NowISO()
	observeSolve("", st.start)
	log.Info().
		Str("request_id", st.requestID).
		Str("job_id", st.jobID).
		Str("container_id", containerID).
		Msg("solve_succeeded")

	resp := &SolveResponse{
		OK:    true,
		Final: &Final{Kind: "text", Text: finalText},
		Meta:  st.meta,
	}
	if st.req.Options.IncludeDebug {
		resp.Attempts = st.attempts
	}
	return 200, resp
}

// invokeUpstream sends the user content: text, image, or text then image
// on the same chat page. Each sub-call counts as one chat use. When both
// are present, the returned result is the image call's response.
func (e *Executor) invokeUpstream(ctx context.Context, st *solveState, client ContainerClient, sess *domain.ChatSession, rp *profiles.ResolvedProfile) (upstream.Result, error) {
	base := upstream.AnalyzeParams{
		URL:     sess.PageURL,
		Profile: rp.Profile.ProfileValue,
		Socks:   rp.SocksURL,
	}
	hasText := strings.TrimSpace(st.req.Input.Text) != ""
	hasImage := strings.TrimSpace(st.req.Input.ImageB64) != ""

	var res upstream.Result
	var err error
	if hasText {
		p := base
		p.Text = st.req.Input.Text
		res, err = client.AnalyzeText(ctx, p, st.requestID)
		if err != nil {
			return upstream.Result{}, err
		}
		_ = repo.IncrementChatUse(ctx, e.db, sess.ID, 1)
	}
	if hasImage {
		p := base
		p.ImageB64 = st.req.Input.ImageB64
		p.ImageExt = st.req.Input.ImageExt
		res, err = client.AnalyzeImageB64(ctx, p, st.requestID)
		if err != nil {
			return upstream.Result{}, err
		}
		_ = repo.IncrementChatUse(ctx, e.db, sess.ID, 1)
	}
	return res, nil
}

// failUpstream maps a typed upstream failure to its terminal job state.
func (e *Executor) failUpstream(st *solveState, err error) (int, *SolveResponse) {
	code, msg := classifySolveError(err)
	var status int
	switch code {
	case CodeContainerBusy:
		status = 503
	case CodeInvalidRequest:
		status = 400
	case CodeUpstreamError:
		status = 502
	default:
		status = 500
	}
	return e.fail(st, status, code, msg, nil)
}

// classifySolveError maps upstream error kinds to solve error codes, with
// socks credentials scrubbed from the message.
func classifySolveError(err error) (code, msg string) {
	msg = upstream.RedactSocksURL(err.Error())
	switch upstream.ErrKind(err) {
	case upstream.KindBusy:
		return CodeContainerBusy, msg
	case upstream.KindBadRequest:
		return CodeInvalidRequest, msg
	case upstream.KindServer, upstream.KindTransport:
		return CodeUpstreamError, msg
	default:
		return CodeInternalError, msg
	}
}
