// Package chat defines the entities the gateway materializes for each
// conversation: users, chats, threads, messages, files, and the balance
// audit log. The durable store is the system of record for all of them;
// the cache holds TTL-bounded replicas.
package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChatKind is the frontend chat type
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// Role identifies the author of a message in a thread
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleTool marks the synthetic rows that carry tool results between
	// assistant turns. They have no frontend message of their own.
	RoleTool Role = "tool"
)

// FileKind classifies a UserFile
type FileKind string

const (
	FileImage     FileKind = "image"
	FilePDF       FileKind = "pdf"
	FileDocument  FileKind = "document"
	FileAudio     FileKind = "audio"
	FileVoice     FileKind = "voice"
	FileVideo     FileKind = "video"
	FileGenerated FileKind = "generated"
)

// KindForMime classifies a file by its mime type. Voice and generated
// kinds carry intent the mime alone cannot express; callers that know
// better override the result.
func KindForMime(mime string) FileKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return FileImage
	case mime == "application/pdf":
		return FilePDF
	case strings.HasPrefix(mime, "audio/"):
		return FileAudio
	case strings.HasPrefix(mime, "video/"):
		return FileVideo
	default:
		return FileDocument
	}
}

// FileOrigin records who introduced a file into the thread
type FileOrigin string

const (
	OriginUser      FileOrigin = "user"
	OriginAssistant FileOrigin = "assistant"
)

// User is a frontend account with a prepaid balance. Balance is the only
// field mutated inside a turn, and only ever together with a
// BalanceOperation in one durable transaction.
type User struct {
	ID             int64           `db:"id" json:"id"`
	DisplayName    string          `db:"display_name" json:"display_name"`
	PreferredModel string          `db:"preferred_model" json:"preferred_model"`
	Personality    string          `db:"personality" json:"personality"`
	Balance        decimal.Decimal `db:"balance" json:"balance"`
	IsPremium      bool            `db:"is_premium" json:"is_premium"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

/// BalanceDisplay renders the balance for users: at least two fractional
// digits, more when the accounting tail is non-zero.
func (u *User) BalanceDisplay() string {
	s := u.Balance.StringFixed(6)
	s = strings.TrimRight(s, "0")
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 < 2 {
		return u.Balance.StringFixed(2)
	}
	return s
}

// Chat is a frontend chat; it only scopes threads
type Chat struct {
	ID        int64     `db:"id" json:"id"`
	Kind      ChatKind  `db:"kind" json:"kind"`
	Title     string    `db:"title" json:"title"`
	IsForum   bool      `db:"is_forum" json:"is_forum"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ThreadKey uniquely identifies the conversation a user sees.
// TopicID is 0 outside forum topics.
type ThreadKey struct {
	ChatID  int64
	UserID  int64
	TopicID int64
}

// Thread is one user's conversation slice within a chat (and optional
// forum topic)
type Thread struct {
	ID           int64     `db:"id" json:"id"`
	ChatID       int64     `db:"chat_id" json:"chat_id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	TopicID      int64     `db:"topic_id" json:"topic_id"`
	ModelKey     string    `db:"model_key" json:"model_key"`
	SystemPrompt string    `db:"system_prompt" json:"system_prompt"`
	ResetAt      time.Time `db:"reset_at" json:"reset_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Key returns the unique triple for this thread
func (t *Thread) Key() ThreadKey {
	return ThreadKey{ChatID: t.ChatID, UserID: t.UserID, TopicID: t.TopicID}
}

// Attachment is a typed file descriptor carried on a message
type Attachment struct {
	FileID         int64    `json:"file_id,omitempty"`
	ProviderFileID string   `json:"provider_file_id,omitempty"`
	Filename       string   `json:"filename"`
	Kind           FileKind `json:"kind"`
	Mime           string   `json:"mime,omitempty"`
	Size           int64    `json:"size,omitempty"`
}

// TokenCounts holds the per-message provider token accounting
type TokenCounts struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	Thinking   int64 `json:"thinking,omitempty"`
}

// Message is one entry in a thread, keyed by (chat_id, external_id).
// Blocks carries the provider content blocks verbatim (thinking signatures
// included) so a later turn can replay the exchange exactly.
type Message struct {
	ChatID       int64           `db:"chat_id" json:"chat_id"`
	ExternalID   int64           `db:"external_id" json:"external_id"`
	ThreadID     int64           `db:"thread_id" json:"thread_id"`
	Role         Role            `db:"role" json:"role"`
	Text         string          `db:"text" json:"text"`
	Caption      string          `db:"caption" json:"caption,omitempty"`
	ReplyTo      int64           `db:"reply_to" json:"reply_to,omitempty"`
	MediaGroupID string          `db:"media_group_id" json:"media_group_id,omitempty"`
	Attachments  []Attachment    `db:"-" json:"attachments,omitempty"`
	Blocks       json.RawMessage `db:"-" json:"blocks,omitempty"`
	Tokens       TokenCounts     `db:"-" json:"tokens,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	EditedAt     *time.Time      `db:"edited_at" json:"edited_at,omitempty"`
}

// UserFile is a file known to the system, owned by a thread and mirrored
// in the provider's file service under ProviderFileID until ExpiresAt.
type UserFile struct {
	ID             int64          `db:"id" json:"id"`
	ThreadID       int64          `db:"thread_id" json:"thread_id"`
	UserID         int64          `db:"user_id" json:"user_id"`
	SourceRef      string         `db:"source_ref" json:"source_ref,omitempty"`
	ProviderFileID string         `db:"provider_file_id" json:"provider_file_id"`
	Filename       string         `db:"filename" json:"filename"`
	Kind           FileKind       `db:"kind" json:"kind"`
	Mime           string         `db:"mime" json:"mime"`
	Size           int64          `db:"size" json:"size"`
	UploadedAt     time.Time      `db:"uploaded_at" json:"uploaded_at"`
	ExpiresAt      time.Time      `db:"expires_at" json:"expires_at"`
	Origin         FileOrigin     `db:"origin" json:"origin"`
	UploadContext  string         `db:"upload_context" json:"upload_context,omitempty"`
	Metadata       map[string]any `db:"-" json:"metadata,omitempty"`
}

// Expired reports whether the file's provider copy is past its TTL
func (f *UserFile) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// OpKind is the kind of a balance operation
type OpKind string

const (
	OpDeposit     OpKind = "deposit"
	OpCharge      OpKind = "charge"
	OpRefund      OpKind = "refund"
	OpAdminAdjust OpKind = "admin_adjust"
)

// BalanceOperation is an immutable audit row. Every write to User.Balance
// inserts exactly one of these in the same transaction, and
// BalanceBefore + Amount = BalanceAfter holds on every row.
type BalanceOperation struct {
	ID               int64           `db:"id" json:"id"`
	UserID           int64           `db:"user_id" json:"user_id"`
	Kind             OpKind          `db:"kind" json:"kind"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore    decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter     decimal.Decimal `db:"balance_after" json:"balance_after"`
	Description      string          `db:"description" json:"description"`
	ProviderChargeID string          `db:"provider_charge_id" json:"provider_charge_id,omitempty"`
	ChatID           int64           `db:"chat_id" json:"chat_id,omitempty"`
	MessageID        int64           `db:"message_id" json:"message_id,omitempty"`
	Tokens           *TokenCounts    `db:"-" json:"tokens,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// ToolResult is the stored form of one tool outcome, carried in the Blocks
// of a RoleTool row. Content is the assistant-facing payload, already
// serialized.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// MarshalToolResults encodes tool results for a RoleTool row's Blocks
func MarshalToolResults(results []ToolResult) (json.RawMessage, error) {
	return json.Marshal(results)
}

// UnmarshalToolResults decodes a RoleTool row's Blocks
func UnmarshalToolResults(raw json.RawMessage) ([]ToolResult, error) {
	var results []ToolResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// ExecArtifact is a temporary tool-produced file awaiting delivery.
// It exists only in the cache, indexed per thread, until it is delivered
// or its TTL lapses.
type ExecArtifact struct {
	TempID      string    `json:"temp_id"`
	ThreadID    int64     `json:"thread_id"`
	Filename    string    `json:"filename"`
	Mime        string    `json:"mime"`
	Size        int64     `json:"size"`
	Context     string    `json:"context,omitempty"`
	Bytes       []byte    `json:"bytes,omitempty"`
	SandboxPath string    `json:"sandbox_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

/// ProcessedMessage is the ingress normalizer's output: all frontend I/O
// (download, upload, transcription) already done, files registered.
type ProcessedMessage struct {
	Thread           *Thread
	User             *User
	ExternalID       int64
	Text             string
	Caption          string
	ReplyTo          int64
	MediaGroupID     string
	Files            []UserFile
	UploadContext    string
	TranscriptFailed bool
	ReceivedAt       time.Time
}

// CombinedText merges text and caption the way the model should see them
func (m *ProcessedMessage) CombinedText() string {
	switch {
	case m.Text != "" && m.Caption != "":
		return m.Text + "\n\n" + m.Caption
	case m.Caption != "":
		return m.Caption
	default:
		return m.Text
	}
}

/// Batch is one logical user turn: every message that arrived within the
// batching window for a single thread, in source order.
type Batch struct {
	Thread   *Thread
	User     *User
	Messages []*ProcessedMessage
}

// JoinedText concatenates the batch's message texts with blank lines
func (b *Batch) JoinedText() string {
	parts := make([]string, 0, len(b.Messages))
	for _, m := range b.Messages {
		if t := m.CombinedText(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Files returns every file attached across the batch, in source order
func (b *Batch) Files() []UserFile {
	var files []UserFile
	for _, m := range b.Messages {
		files = append(files, m.Files...)
	}
	return files
}
