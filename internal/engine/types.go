// Package engine runs solve requests end to end: profile resolution and
// locking, container selection, chat setup, the upstream analyze call,
// and durable job/attempt auditing.
package engine

// SolveInput is the content to solve.
type SolveInput struct {
	Text     string `json:"text,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
	ImageExt string `json:"image_ext,omitempty"`
}

// SolveOptions steers routing and chat reuse for one request.
type SolveOptions struct {
	PromptID      string `json:"prompt_id,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	SocksOverride string `json:"socks_override,omitempty"`
	SocksID       string `json:"socks_id,omitempty"` // legacy alias for SocksOverride
	ForceNewChat  bool   `json:"force_new_chat,omitempty"`
	MaxChatUses   *int   `json:"max_chat_uses,omitempty"`
	IncludeDebug  bool   `json:"include_debug,omitempty"`
	ChatURL       string `json:"chat_url,omitempty"`
}

// SolveRequest is the POST /v1/solve body.
type SolveRequest struct {
	PromptID  string       `json:"prompt_id,omitempty"` // legacy top-level alias
	RequestID string       `json:"request_id,omitempty"`
	Input     SolveInput   `json:"input"`
	Options   SolveOptions `json:"options"`
}

// Error codes carried in SolveResponse.Error.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeProfileBlocked = "PROFILE_BLOCKED"
	CodeChatBlocked    = "CHAT_BLOCKED"
	CodeProfileBusy    = "PROFILE_BUSY"
	CodeContainerBusy  = "CONTAINER_BUSY"
	CodeUpstreamError  = "UPSTREAM_ERROR"
	CodeInternalError  = "INTERNAL_ERROR"
)

// Final is the successful solve payload.
type Final struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ErrorInfo is the failed solve payload.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta accompanies every solve response, success or failure.
type Meta struct {
	JobID            string   `json:"job_id"`
	RequestID        string   `json:"request_id"`
	PromptIDSelected string   `json:"prompt_id_selected"`
	FanoutRequested  int      `json:"fanout_requested"`
	ContainerIDsUsed []string `json:"container_ids_used"`
	ProfileID        string   `json:"profile_id,omitempty"`
	SocksID          string   `json:"socks_id,omitempty"`
	SocksURL         string   `json:"socks_url,omitempty"` // redacted
	ChatIDsUsed      []string `json:"chat_ids_used"`
	PageURL          string   `json:"page_url,omitempty"`
	StartedAt        string   `json:"started_at"`
	FinishedAt       string   `json:"finished_at"`
}

// AttemptInfo is the optional debug view of one attempt.
type AttemptInfo struct {
	AttemptID   string `json:"attempt_id"`
	ContainerID string `json:"container_id"`
	ProfileID   string `json:"profile_id,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	PageURL     string `json:"page_url,omitempty"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	ResultText  string `json:"result_text,omitempty"`
}

// SolveResponse is the POST /v1/solve reply. OK=true carries Final;
// OK=false carries Error. Meta is always present.
type SolveResponse struct {
	OK       bool          `json:"ok"`
	Final    *Final        `json:"final,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Meta     Meta          `json:"meta"`
	Attempts []AttemptInfo `json:"attempts,omitempty"`
}
