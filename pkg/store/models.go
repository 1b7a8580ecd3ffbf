package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/types/chat"
)

// JSONField is a generic type for handling JSON marshaling/unmarshaling in database
type JSONField[T any] struct {
	Data T
}

// Scan implements the sql.Scanner interface for reading from database
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements the driver.Valuer interface for writing to database
func (j JSONField[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}

// dbThread represents the threads table structure
type dbThread struct {
	ID           int64        `db:"id"`
	ChatID       int64        `db:"chat_id"`
	UserID       int64        `db:"user_id"`
	TopicID      int64        `db:"topic_id"`
	ModelKey     string       `db:"model_key"`
	SystemPrompt string       `db:"system_prompt"`
	ResetAt      sql.NullTime `db:"reset_at"` // NULL until the first /reset
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (dbt *dbThread) toThread() *chat.Thread {
	thread := &chat.Thread{
		ID:           dbt.ID,
		ChatID:       dbt.ChatID,
		UserID:       dbt.UserID,
		TopicID:      dbt.TopicID,
		ModelKey:     dbt.ModelKey,
		SystemPrompt: dbt.SystemPrompt,
		CreatedAt:    dbt.CreatedAt,
		UpdatedAt:    dbt.UpdatedAt,
	}
	if dbt.ResetAt.Valid {
		thread.ResetAt = dbt.ResetAt.Time
	}
	return thread
}

func fromThread(t *chat.Thread) *dbThread {
	dbt := &dbThread{
		ID:           t.ID,
		ChatID:       t.ChatID,
		UserID:       t.UserID,
		TopicID:      t.TopicID,
		ModelKey:     t.ModelKey,
		SystemPrompt: t.SystemPrompt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if !t.ResetAt.IsZero() {
		dbt.ResetAt = sql.NullTime{Time: t.ResetAt, Valid: true}
	}
	return dbt
}

// dbMessage represents the messages table structure
type dbMessage struct {
	ChatID       int64                       `db:"chat_id"`
	ExternalID   int64                       `db:"external_id"`
	ThreadID     int64                       `db:"thread_id"`
	Role         string                      `db:"role"`
	Text         string                      `db:"text"`
	Caption      string                      `db:"caption"`
	ReplyTo      int64                       `db:"reply_to"`
	MediaGroupID string                      `db:"media_group_id"`
	Attachments  JSONField[[]chat.Attachment] `db:"attachments"`
	Blocks       string                      `db:"blocks"`
	Tokens       JSONField[chat.TokenCounts] `db:"tokens"`
	CreatedAt    time.Time                   `db:"created_at"`
	EditedAt     sql.NullTime                `db:"edited_at"`
}

func (dbm *dbMessage) toMessage() *chat.Message {
	msg := &chat.Message{
		ChatID:       dbm.ChatID,
		ExternalID:   dbm.ExternalID,
		ThreadID:     dbm.ThreadID,
		Role:         chat.Role(dbm.Role),
		Text:         dbm.Text,
		Caption:      dbm.Caption,
		ReplyTo:      dbm.ReplyTo,
		MediaGroupID: dbm.MediaGroupID,
		Attachments:  dbm.Attachments.Data,
		Tokens:       dbm.Tokens.Data,
		CreatedAt:    dbm.CreatedAt,
	}
	if dbm.Blocks != "" {
		msg.Blocks = json.RawMessage(dbm.Blocks)
	}
	if dbm.EditedAt.Valid {
		editedAt := dbm.EditedAt.Time
		msg.EditedAt = &editedAt
	}
	return msg
}

func fromMessage(m *chat.Message) *dbMessage {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []chat.Attachment{}
	}
	dbm := &dbMessage{
		ChatID:       m.ChatID,
		ExternalID:   m.ExternalID,
		ThreadID:     m.ThreadID,
		Role:         string(m.Role),
		Text:         m.Text,
		Caption:      m.Caption,
		ReplyTo:      m.ReplyTo,
		MediaGroupID: m.MediaGroupID,
		Attachments:  JSONField[[]chat.Attachment]{Data: attachments},
		Blocks:       string(m.Blocks),
		Tokens:       JSONField[chat.TokenCounts]{Data: m.Tokens},
		CreatedAt:    m.CreatedAt,
	}
	if m.EditedAt != nil {
		dbm.EditedAt = sql.NullTime{Time: *m.EditedAt, Valid: true}
	}
	return dbm
}

// dbUserFile represents the user_files table structure
type dbUserFile struct {
	ID             int64                     `db:"id"`
	ThreadID       int64                     `db:"thread_id"`
	UserID         int64                     `db:"user_id"`
	SourceRef      string                    `db:"source_ref"`
	ProviderFileID string                    `db:"provider_file_id"`
	Filename       string                    `db:"filename"`
	Kind           string                    `db:"kind"`
	Mime           string                    `db:"mime"`
	Size           int64                     `db:"size"`
	Origin         string                    `db:"origin"`
	UploadContext  string                    `db:"upload_context"`
	Metadata       JSONField[map[string]any] `db:"metadata"`
	UploadedAt     time.Time                 `db:"uploaded_at"`
	ExpiresAt      time.Time                 `db:"expires_at"`
}

func (dbf *dbUserFile) toUserFile() *chat.UserFile {
	return &chat.UserFile{
		ID:             dbf.ID,
		ThreadID:       dbf.ThreadID,
		UserID:         dbf.UserID,
		SourceRef:      dbf.SourceRef,
		ProviderFileID: dbf.ProviderFileID,
		Filename:       dbf.Filename,
		Kind:           chat.FileKind(dbf.Kind),
		Mime:           dbf.Mime,
		Size:           dbf.Size,
		Origin:         chat.FileOrigin(dbf.Origin),
		UploadContext:  dbf.UploadContext,
		Metadata:       dbf.Metadata.Data,
		UploadedAt:     dbf.UploadedAt,
		ExpiresAt:      dbf.ExpiresAt,
	}
}

func fromUserFile(f *chat.UserFile) *dbUserFile {
	metadata := f.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &dbUserFile{
		ID:             f.ID,
		ThreadID:       f.ThreadID,
		UserID:         f.UserID,
		SourceRef:      f.SourceRef,
		ProviderFileID: f.ProviderFileID,
		Filename:       f.Filename,
		Kind:           string(f.Kind),
		Mime:           f.Mime,
		Size:           f.Size,
		Origin:         string(f.Origin),
		UploadContext:  f.UploadContext,
		Metadata:       JSONField[map[string]any]{Data: metadata},
		UploadedAt:     f.UploadedAt,
		ExpiresAt:      f.ExpiresAt,
	}
}

// dbBalanceOperation represents the balance_operations table structure
type dbBalanceOperation struct {
	ID               int64                         `db:"id"`
	UserID           int64                         `db:"user_id"`
	Kind             string                        `db:"kind"`
	Amount           string                        `db:"amount"`
	BalanceBefore    string                        `db:"balance_before"`
	BalanceAfter     string                        `db:"balance_after"`
	Description      string                        `db:"description"`
	ProviderChargeID string                        `db:"provider_charge_id"`
	ChatID           int64                         `db:"chat_id"`
	MessageID        int64                         `db:"message_id"`
	Tokens           JSONField[*chat.TokenCounts]  `db:"tokens"`
	CreatedAt        time.Time                     `db:"created_at"`
}

func (dbo *dbBalanceOperation) toBalanceOperation() (*chat.BalanceOperation, error) {
	op := &chat.BalanceOperation{
		ID:               dbo.ID,
		UserID:           dbo.UserID,
		Kind:             chat.OpKind(dbo.Kind),
		Description:      dbo.Description,
		ProviderChargeID: dbo.ProviderChargeID,
		ChatID:           dbo.ChatID,
		MessageID:        dbo.MessageID,
		Tokens:           dbo.Tokens.Data,
		CreatedAt:        dbo.CreatedAt,
	}

	var err error
	if op.Amount, err = decimal.NewFromString(dbo.Amount); err != nil {
		return nil, errors.Wrapf(err, "invalid amount on operation %d", dbo.ID)
	}
	if op.BalanceBefore, err = decimal.NewFromString(dbo.BalanceBefore); err != nil {
		return nil, errors.Wrapf(err, "invalid balance_before on operation %d", dbo.ID)
	}
	if op.BalanceAfter, err = decimal.NewFromString(dbo.BalanceAfter); err != nil {
		return nil, errors.Wrapf(err, "invalid balance_after on operation %d", dbo.ID)
	}
	return op, nil
}

func fromBalanceOperation(op *chat.BalanceOperation) *dbBalanceOperation {
	return &dbBalanceOperation{
		ID:               op.ID,
		UserID:           op.UserID,
		Kind:             string(op.Kind),
		Amount:           op.Amount.String(),
		BalanceBefore:    op.BalanceBefore.String(),
		BalanceAfter:     op.BalanceAfter.String(),
		Description:      op.Description,
		ProviderChargeID: op.ProviderChargeID,
		ChatID:           op.ChatID,
		MessageID:        op.MessageID,
		Tokens:           JSONField[*chat.TokenCounts]{Data: op.Tokens},
		CreatedAt:        op.CreatedAt,
	}
}
