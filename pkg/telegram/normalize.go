package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/files"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/transcribe"
	"github.com/parleyhq/parley/pkg/types/chat"
)

// FileTooLargeError is returned before any download happens; the check
// uses the size the frontend reports.
type FileTooLargeError struct {
	Size int64
	Cap  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file of %d bytes exceeds the %d byte cap", e.Size, e.Cap)
}

// Normalizer turns raw frontend messages into ProcessedMessages: users,
// chats and threads resolved, media downloaded and uploaded to the
// provider file service, voice transcribed.
type Normalizer struct {
	client  *Client
	state   *state.State
	files   *files.Service
	speech  *transcribe.Client
	billing *billing.Engine
	models  *config.Registry

	freeCap    int64
	premiumCap int64
	welcome    decimal.Decimal

	mu        sync.Mutex
	chatsSeen map[int64]string
	nower     func() time.Time
}

// NewNormalizer wires the normalizer. speech may be nil when no
// transcription key is configured; voice messages then carry the
// transcript-failed flag.
func NewNormalizer(client *Client, st *state.State, fileSvc *files.Service, speech *transcribe.Client, eng *billing.Engine, models *config.Registry, filesCfg config.FilesConfig, billingCfg config.BillingConfig) *Normalizer {
	return &Normalizer{
		client:     client,
		state:      st,
		files:      fileSvc,
		speech:     speech,
		billing:    eng,
		models:     models,
		freeCap:    filesCfg.FreeCapBytes,
		premiumCap: filesCfg.PremiumCapBytes,
		welcome:    decimal.NewFromFloat(billingCfg.WelcomeGrantUSD),
		chatsSeen:  make(map[int64]string),
		nower:      time.Now,
	}
}

// Identify resolves the sender, chat and thread for a message,
// creating whatever does not exist yet. New users receive the welcome
// grant so their first turns clear the balance gate.
func (n *Normalizer) Identify(ctx context.Context, msg *tgbotapi.Message) (*chat.User, *chat.Thread, error) {
	from := msg.From
	if from == nil {
		return nil, nil, errors.New("message has no sender")
	}

	user, err := n.state.User(ctx, from.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user = &chat.User{
			ID:             from.ID,
			DisplayName:    displayName(from),
			PreferredModel: n.models.DefaultKey(),
			IsPremium:      from.IsPremium,
		}
		if err := n.state.CreateUser(ctx, user); err != nil {
			return nil, nil, errors.Wrap(err, "creating user")
		}
		if n.welcome.IsPositive() {
			op, err := n.billing.AddBalance(ctx, user.ID, n.welcome, "welcome grant")
			if err != nil {
				logger.G(ctx).WithField("user_id", user.ID).WithError(err).Warn("welcome grant failed")
			} else {
				user.Balance = op.BalanceAfter
			}
		}
		logger.G(ctx).WithField("user_id", user.ID).Info("new user")
	case err != nil:
		return nil, nil, errors.Wrap(err, "loading user")
	default:
		if dn := displayName(from); dn != user.DisplayName || from.IsPremium != user.IsPremium {
			user.DisplayName = dn
			user.IsPremium = from.IsPremium
			n.state.RefreshUserProfile(ctx, user)
		}
	}

	n.refreshChat(ctx, msg)

	key := chat.ThreadKey{ChatID: msg.Chat.ID, UserID: from.ID, TopicID: topicID(msg)}
	thread, err := n.state.Thread(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := n.state.EnsureChat(ctx, chatRow(msg)); err != nil {
			return nil, nil, errors.Wrap(err, "creating chat")
		}
		thread = &chat.Thread{ChatID: key.ChatID, UserID: key.UserID, TopicID: key.TopicID}
		if err := n.state.EnsureThread(ctx, thread); err != nil {
			return nil, nil, errors.Wrap(err, "creating thread")
		}
	case err != nil:
		return nil, nil, errors.Wrap(err, "loading thread")
	}

	return user, thread, nil
}

// refreshChat absorbs chat metadata drift. One upsert per chat per
// process plus one per observed change keeps the queue quiet.
func (n *Normalizer) refreshChat(ctx context.Context, msg *tgbotapi.Message) {
	row := chatRow(msg)
	sig := fmt.Sprintf("%s|%s|%t", row.Kind, row.Title, row.IsForum)

	n.mu.Lock()
	seen, ok := n.chatsSeen[row.ID]
	if ok && seen == sig {
		n.mu.Unlock()
		return
	}
	n.chatsSeen[row.ID] = sig
	n.mu.Unlock()

	n.state.RefreshChat(ctx, row)
}

// Process normalizes one frontend message. Frontend I/O (download,
// transcription, provider upload) happens here so everything after the
// batcher is pure provider traffic.
func (n *Normalizer) Process(ctx context.Context, msg *tgbotapi.Message) (*chat.ProcessedMessage, error) {
	user, thread, err := n.Identify(ctx, msg)
	if err != nil {
		return nil, err
	}

	pm := &chat.ProcessedMessage{
		Thread:       thread,
		User:         user,
		ExternalID:   int64(msg.MessageID),
		Text:         msg.Text,
		Caption:      msg.Caption,
		MediaGroupID: msg.MediaGroupID,
		ReceivedAt:   n.nower(),
	}
	if msg.ReplyToMessage != nil {
		pm.ReplyTo = int64(msg.ReplyToMessage.MessageID)
	}

	m, ok := extractMedia(msg)
	if !ok {
		return pm, nil
	}

	capBytes := n.freeCap
	if user.IsPremium {
		capBytes = n.premiumCap
	}
	if m.size > capBytes {
		return nil, &FileTooLargeError{Size: m.size, Cap: capBytes}
	}

	data, err := n.client.DownloadFile(ctx, m.fileID)
	if err != nil {
		return nil, errors.Wrap(err, "downloading media")
	}

	if m.transcribable {
		n.transcribeInto(ctx, pm, m, data)
		return pm, nil
	}

	providerID, err := n.files.Upload(ctx, m.filename, m.mime, data)
	if err != nil {
		return nil, errors.Wrap(err, "uploading media")
	}

	now := n.nower()
	uf := chat.UserFile{
		ThreadID:       thread.ID,
		UserID:         user.ID,
		SourceRef:      m.fileID,
		ProviderFileID: providerID,
		Filename:       m.filename,
		Kind:           m.kind,
		Mime:           m.mime,
		Size:           int64(len(data)),
		UploadedAt:     now,
		ExpiresAt:      n.files.ExpiresAt(now),
		Origin:         chat.OriginUser,
		UploadContext:  pm.CombinedText(),
	}
	n.state.AddFile(ctx, &uf)
	pm.Files = append(pm.Files, uf)
	pm.UploadContext = uf.UploadContext
	return pm, nil
}

// transcribeInto replaces the message text with the voice transcript.
// Failure is not fatal: the message goes on with the flag set so the
// turn can tell the user.
func (n *Normalizer) transcribeInto(ctx context.Context, pm *chat.ProcessedMessage, m media, data []byte) {
	if n.speech == nil {
		pm.TranscriptFailed = true
		return
	}
	tr, err := n.speech.Transcribe(ctx, m.filename, data)
	if err != nil {
		logger.G(ctx).WithField("filename", m.filename).WithError(err).Warn("transcription failed")
		pm.TranscriptFailed = true
		return
	}
	if pm.Text == "" {
		pm.Text = tr.Text
	} else {
		pm.Text = pm.Text + "\n\n" + tr.Text
	}
	logger.G(ctx).WithField("duration", tr.Duration).WithField("language", tr.Language).Debug("voice transcribed")
}

type media struct {
	fileID        string
	filename      string
	mime          string
	size          int64
	kind          chat.FileKind
	transcribable bool
}

// extractMedia picks the downloadable payload out of a message. Photos
// use the largest rendition; size comes from what the frontend reports
// so the cap check can run before the download.
func extractMedia(msg *tgbotapi.Message) (media, bool) {
	switch {
	case len(msg.Photo) > 0:
		p := msg.Photo[len(msg.Photo)-1]
		return media{
			fileID:   p.FileID,
			filename: fmt.Sprintf("photo_%s.jpg", p.FileUniqueID),
			mime:     "image/jpeg",
			size:     int64(p.FileSize),
			kind:     chat.FileImage,
		}, true
	case msg.Document != nil:
		d := msg.Document
		mime := d.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		name := d.FileName
		if name == "" {
			name = fmt.Sprintf("document_%s", d.FileUniqueID)
		}
		return media{
			fileID:   d.FileID,
			filename: name,
			mime:     mime,
			size:     int64(d.FileSize),
			kind:     chat.KindForMime(mime),
		}, true
	case msg.Voice != nil:
		v := msg.Voice
		mime := v.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		return media{
			fileID:        v.FileID,
			filename:      fmt.Sprintf("voice_%s.ogg", v.FileUniqueID),
			mime:          mime,
			size:          int64(v.FileSize),
			kind:          chat.FileVoice,
			transcribable: true,
		}, true
	case msg.VideoNote != nil:
		v := msg.VideoNote
		return media{
			fileID:        v.FileID,
			filename:      fmt.Sprintf("video_note_%s.mp4", v.FileUniqueID),
			mime:          "video/mp4",
			size:          int64(v.FileSize),
			kind:          chat.FileVideo,
			transcribable: true,
		}, true
	case msg.Audio != nil:
		a := msg.Audio
		mime := a.MimeType
		if mime == "" {
			mime = "audio/mpeg"
		}
		name := a.FileName
		if name == "" {
			name = fmt.Sprintf("audio_%s.mp3", a.FileUniqueID)
		}
		return media{
			fileID:   a.FileID,
			filename: name,
			mime:     mime,
			size:     int64(a.FileSize),
			kind:     chat.FileAudio,
		}, true
	case msg.Video != nil:
		v := msg.Video
		mime := v.MimeType
		if mime == "" {
			mime = "video/mp4"
		}
		name := v.FileName
		if name == "" {
			name = fmt.Sprintf("video_%s.mp4", v.FileUniqueID)
		}
		return media{
			fileID:   v.FileID,
			filename: name,
			mime:     mime,
			size:     int64(v.FileSize),
			kind:     chat.FileVideo,
		}, true
	}
	return media{}, false
}

func topicID(msg *tgbotapi.Message) int64 {
	if msg.IsTopicMessage {
		return int64(msg.MessageThreadID)
	}
	return 0
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func chatRow(msg *tgbotapi.Message) *chat.Chat {
	title := msg.Chat.Title
	if title == "" {
		title = strings.TrimSpace(msg.Chat.FirstName + " " + msg.Chat.LastName)
	}
	if title == "" {
		title = msg.Chat.UserName
	}
	return &chat.Chat{
		ID:      msg.Chat.ID,
		Kind:    chat.ChatKind(msg.Chat.Type),
		Title:   title,
		IsForum: msg.Chat.IsForum,
	}
}
