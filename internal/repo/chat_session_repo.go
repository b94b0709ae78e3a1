// Chat session persistence. A chat session is one durable upstream chat
// bound to a (container, prompt, profile, socks) coordinate.
//
// Reuse queries exclude sessions carrying the guest/archive sentinel in
// either chat_id or tag, so a blocked chat is never handed back to the
// chat manager. Lookups by page_url deliberately return the row regardless
// of disabled/tag: callers need the raw state to diagnose a pinned URL
// that points at a blocked chat, and admin actions operate on such rows.
package repo

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/domain"
)

// usableFilter is the SQL fragment excluding disabled and guest/archive
// sessions from reuse.
const usableFilter = "disabled = 0" +
	" AND COALESCE(chat_id,'') NOT IN ('guest','archive')" +
	" AND COALESCE(tag,'') NOT IN ('guest','archive')"

func normKey(v string) string { return strings.TrimSpace(v) }

// GetChatSession returns the most recent usable session for the exact
// (container, prompt, profile, socks) coordinate, optionally narrowed to a
// preferred chat_id. Returns ErrNotFound when no usable session exists.
func GetChatSession(ctx context.Context, db *gorm.DB, promptID, containerID, profileID, socksID, preferredChatID string) (*domain.ChatSession, error) {
	cid := normKey(containerID)
	if cid == "" {
		return nil, ErrNotFound
	}
	q := db.WithContext(ctx).
		Where("container_id = ? AND prompt_id = ? AND profile_id = ? AND socks_id = ?",
			cid, promptID, normKey(profileID), normKey(socksID)).
		Where(usableFilter)
	if preferredChatID != "" {
		q = q.Where("chat_id = ?", preferredChatID)
	}
	var s domain.ChatSession
	if err := q.Order("id desc").First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetChatSessionByID fetches a session row by primary key.
func GetChatSessionByID(ctx context.Context, db *gorm.DB, id int64) (*domain.ChatSession, error) {
	var s domain.ChatSession
	if err := db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetChatSessionByURL returns the most recent session registered at
// page_url, regardless of disabled/tag state. Returns ErrNotFound when the
// URL is unknown or empty.
func GetChatSessionByURL(ctx context.Context, db *gorm.DB, pageURL string) (*domain.ChatSession, error) {
	url := strings.TrimSpace(pageURL)
	if url == "" {
		return nil, ErrNotFound
	}
	var s domain.ChatSession
	err := db.WithContext(ctx).
		Where("page_url = ?", url).
		Order("id desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListRecentPromptSessions returns up to limit usable sessions for a
// prompt, most recently updated first. Automatic candidate enumeration
// starts from this list to prefer reusing live chats.
func ListRecentPromptSessions(ctx context.Context, db *gorm.DB, promptID string, limit int) ([]domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.ChatSession
	err := db.WithContext(ctx).
		Where("prompt_id = ?", promptID).
		Where(usableFilter).
		Order("updated_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CreateChatSession inserts a fresh session row with zero uses.
func CreateChatSession(ctx context.Context, db *gorm.DB, containerID, promptID, profileID, socksID, chatID, pageURL string) (*domain.ChatSession, error) {
	now := domain.NowISO()
	s := &domain.ChatSession{
		ContainerID: normKey(containerID),
		PromptID:    promptID,
		ProfileID:   normKey(profileID),
		SocksID:     normKey(socksID),
		ChatID:      chatID,
		PageURL:     pageURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// ChatSessionUpdate carries the optional fields of UpdateChatSession.
// Nil pointers leave the corresponding column untouched.
type ChatSessionUpdate struct {
	ChatID   *string
	PageURL  *string
	Disabled *bool
	Tag      *string
}

// UpdateChatSession applies the non-nil fields of u to a session row and
// returns the refreshed row.
func UpdateChatSession(ctx context.Context, db *gorm.DB, id int64, u ChatSessionUpdate) (*domain.ChatSession, error) {
	updates := map[string]any{"updated_at": domain.NowISO()}
	if u.ChatID != nil {
		updates["chat_id"] = *u.ChatID
	}
	if u.PageURL != nil {
		updates["page_url"] = *u.PageURL
	}
	if u.Disabled != nil {
		updates["disabled"] = *u.Disabled
	}
	if u.Tag != nil {
		updates["tag"] = domain.NormTag(*u.Tag)
	}
	if err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return GetChatSessionByID(ctx, db, id)
}

// IncrementChatUse adds by to a session's uses_count. Non-positive
// increments are ignored.
func IncrementChatUse(ctx context.Context, db *gorm.DB, id int64, by int) error {
	if by <= 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"uses_count": gorm.Expr("COALESCE(uses_count,0) + ?", by),
			"updated_at": domain.NowISO(),
		}).Error
}

// MarkChatSessionTag sets the tag (and optionally disabled) on one session.
// Best-effort: a missing row is not an error.
func MarkChatSessionTag(ctx context.Context, db *gorm.DB, id int64, tag string, disabled *bool) error {
	updates := map[string]any{
		"tag":        domain.NormTag(tag),
		"updated_at": domain.NowISO(),
	}
	if disabled != nil {
		updates["disabled"] = *disabled
	}
	return db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Updates(updates).Error
}

//
// Guest blocks & archiving
//

const guestChatFilter = "(chat_id = 'guest' OR tag = 'guest')"

// ProfileHasGuestChat reports whether the profile owns at least one chat
// session carrying the guest marker (even a disabled one). Such a profile
// is blocked for solve work until the operator clears it.
func ProfileHasGuestChat(ctx context.Context, db *gorm.DB, profileID string) (bool, error) {
	pid := normKey(profileID)
	if pid == "" {
		return false, nil
	}
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("profile_id = ?", pid).
		Where(guestChatFilter).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

// CountGuestChatsForProfile returns the number of guest-marked sessions a
// profile owns.
func CountGuestChatsForProfile(ctx context.Context, db *gorm.DB, profileID string) (int64, error) {
	pid := normKey(profileID)
	if pid == "" {
		return 0, nil
	}
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("profile_id = ?", pid).
		Where(guestChatFilter).
		Count(&n).Error
	return n, err
}

// BlockedProfile describes one guest-blocked profile.
type BlockedProfile struct {
	ProfileID  string `json:"profile_id"`
	Reason     string `json:"reason"`
	GuestChats int64  `json:"guest_chats"`
}

// ListBlockedProfiles returns all profiles blocked by guest-marked chats,
// ordered by profile id.
func ListBlockedProfiles(ctx context.Context, db *gorm.DB) ([]BlockedProfile, error) {
	type row struct {
		ProfileID  string
		GuestChats int64
	}
	var rows []row
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Select("profile_id, COUNT(*) as guest_chats").
		Where("profile_id <> ''").
		Where(guestChatFilter).
		Group("profile_id").
		Order("profile_id asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]BlockedProfile, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlockedProfile{ProfileID: r.ProfileID, Reason: "guest", GuestChats: r.GuestChats})
	}
	return out, nil
}

// DeleteGuestChatsForProfile removes all guest-marked sessions for a
// profile, unblocking it. Returns the number of rows removed.
func DeleteGuestChatsForProfile(ctx context.Context, db *gorm.DB, profileID string) (int64, error) {
	pid := normKey(profileID)
	if pid == "" {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Where("profile_id = ?", pid).
		Where(guestChatFilter).
		Delete(&domain.ChatSession{})
	return res.RowsAffected, res.Error
}

// ArchiveChatsForProfile marks every session of a profile as archive and
// disables it. Returns the number of rows updated.
func ArchiveChatsForProfile(ctx context.Context, db *gorm.DB, profileID string) (int64, error) {
	pid := normKey(profileID)
	if pid == "" {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("profile_id = ?", pid).
		Updates(map[string]any{
			"tag":        domain.MarkerArchive,
			"disabled":   true,
			"updated_at": domain.NowISO(),
		})
	return res.RowsAffected, res.Error
}
