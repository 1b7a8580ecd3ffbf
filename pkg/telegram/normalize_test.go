package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/alicebob/miniredis/v2"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/files"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/transcribe"
	"github.com/parleyhq/parley/pkg/types/chat"
)

type stubFilesBackend struct {
	uploads int
}

func (s *stubFilesBackend) Upload(ctx context.Context, params anthropic.BetaFileUploadParams, opts ...option.RequestOption) (*anthropic.FileMetadata, error) {
	s.uploads++
	return &anthropic.FileMetadata{ID: fmt.Sprintf("file_%d", s.uploads)}, nil
}

func (s *stubFilesBackend) Download(ctx context.Context, fileID string, query anthropic.BetaFileDownloadParams, opts ...option.RequestOption) (*http.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubFilesBackend) Delete(ctx context.Context, fileID string, body anthropic.BetaFileDeleteParams, opts ...option.RequestOption) (*anthropic.DeletedFile, error) {
	return &anthropic.DeletedFile{ID: fileID}, nil
}

type normFixture struct {
	tg     *fakeTelegram
	client *Client
	state  *state.State
	store  *store.Store
	eng    *billing.Engine
	files  *files.Service
	models *config.Registry
}

func newNormFixture(t *testing.T) *normFixture {
	t.Helper()
	tg := newFakeTelegram(t)
	client := newTestClient(t, tg, 0)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(rdb, cache.Options{})
	t.Cleanup(func() { c.Close() })

	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dataPlane := state.New(c, st, state.Options{})
	models, err := config.NewRegistry(config.ModelsConfig{
		Registry: config.DefaultModels(),
		Default:  "sonnet",
		Critique: "opus",
		Vision:   "sonnet",
	})
	require.NoError(t, err)

	return &normFixture{
		tg:     tg,
		client: client,
		state:  dataPlane,
		store:  st,
		eng:    billing.New(st, dataPlane),
		files:  files.NewWithBackend(&stubFilesBackend{}, c, files.Options{TTL: time.Hour}),
		models: models,
	}
}

func (fx *normFixture) normalizer(speech *transcribe.Client) *Normalizer {
	return NewNormalizer(fx.client, fx.state, fx.files, speech, fx.eng, fx.models,
		config.FilesConfig{FreeCapBytes: 20 << 20, PremiumCapBytes: 2 << 30},
		config.BillingConfig{WelcomeGrantUSD: 0.25})
}

func privateMsg(userID, chatID int64, msgID int, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: msgID,
		Date:      1,
		From:      &tgbotapi.User{ID: userID, FirstName: "Ada", LastName: "Lovelace"},
		Chat:      tgbotapi.Chat{ID: chatID, Type: "private", FirstName: "Ada"},
		Text:      text,
	}
}

func commandMsg(userID, chatID int64, msgID int, text string) *tgbotapi.Message {
	msg := privateMsg(userID, chatID, msgID, text)
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i > 0 {
		cmdLen = i
	}
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}}
	return msg
}

func TestNormalizer_FirstContactCreatesUserWithWelcomeGrant(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	ctx := context.Background()

	pm, err := norm.Process(ctx, privateMsg(7, 7, 10, "hello there"))
	require.NoError(t, err)

	assert.Equal(t, "hello there", pm.Text)
	assert.Equal(t, int64(10), pm.ExternalID)
	require.NotNil(t, pm.User)
	assert.Equal(t, "Ada Lovelace", pm.User.DisplayName)
	assert.Equal(t, "sonnet", pm.User.PreferredModel)
	require.NotNil(t, pm.Thread)
	assert.NotZero(t, pm.Thread.ID)

	u, err := fx.store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("0.25")), "welcome grant, got %s", u.Balance)

	// second contact must not grant again
	_, err = norm.Process(ctx, privateMsg(7, 7, 11, "again"))
	require.NoError(t, err)
	u, err = fx.store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("0.25")))
}

func TestNormalizer_ProfileDriftRefreshesCachedUser(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	ctx := context.Background()

	_, err := norm.Process(ctx, privateMsg(7, 7, 10, "hi"))
	require.NoError(t, err)

	renamed := privateMsg(7, 7, 11, "hi again")
	renamed.From.FirstName = "Grace"
	renamed.From.LastName = "Hopper"
	_, err = norm.Process(ctx, renamed)
	require.NoError(t, err)

	u, err := fx.state.User(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", u.DisplayName)
}

func TestNormalizer_PhotoUploadsAndRegistersFile(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	ctx := context.Background()
	fx.tg.addFile("p1", "photos/p1.jpg", []byte("jpeg bytes"))

	msg := privateMsg(7, 7, 10, "")
	msg.Caption = "my chart"
	msg.Photo = []tgbotapi.PhotoSize{
		{FileID: "p0", FileUniqueID: "u0", Width: 90, Height: 90, FileSize: 100},
		{FileID: "p1", FileUniqueID: "u1", Width: 800, Height: 800, FileSize: 2048},
	}

	// warm the manifest so the append lands in cache, as a live thread would
	seed, err := norm.Process(ctx, privateMsg(7, 7, 9, "warm"))
	require.NoError(t, err)
	_, err = fx.state.ThreadFiles(ctx, seed.Thread.ID)
	require.NoError(t, err)

	pm, err := norm.Process(ctx, msg)
	require.NoError(t, err)

	require.Len(t, pm.Files, 1)
	uf := pm.Files[0]
	assert.Equal(t, "file_1", uf.ProviderFileID)
	assert.Equal(t, "p1", uf.SourceRef, "largest rendition wins")
	assert.Equal(t, "photo_u1.jpg", uf.Filename)
	assert.Equal(t, chat.FileImage, uf.Kind)
	assert.Equal(t, int64(len("jpeg bytes")), uf.Size)
	assert.Equal(t, "my chart", uf.UploadContext)
	assert.Equal(t, "my chart", pm.Caption)

	manifest, err := fx.state.ThreadFiles(ctx, pm.Thread.ID)
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, "file_1", manifest[0].ProviderFileID)
}

func TestNormalizer_OversizedRejectedBeforeDownload(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)

	msg := privateMsg(7, 7, 10, "")
	msg.Document = &tgbotapi.Document{
		FileID:       "big1",
		FileUniqueID: "ub",
		FileName:     "huge.zip",
		MimeType:     "application/zip",
		FileSize:     30 << 20,
	}

	_, err := norm.Process(context.Background(), msg)
	var tooLarge *FileTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(30<<20), tooLarge.Size)
	assert.Empty(t, fx.tg.callsTo("getFile"), "size check must precede download")
}

func TestNormalizer_PremiumUserGetsLargerCap(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	fx.tg.addFile("big1", "documents/huge.zip", []byte("zip"))

	msg := privateMsg(7, 7, 10, "")
	msg.From.IsPremium = true
	msg.Document = &tgbotapi.Document{
		FileID:       "big1",
		FileUniqueID: "ub",
		FileName:     "huge.zip",
		MimeType:     "application/zip",
		FileSize:     30 << 20,
	}

	pm, err := norm.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, pm.Files, 1)
	assert.Equal(t, chat.FileDocument, pm.Files[0].Kind)
}

func TestNormalizer_VoiceWithoutTranscriberSetsFlag(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	fx.tg.addFile("v1", "voice/v1.ogg", []byte("ogg"))

	msg := privateMsg(7, 7, 10, "")
	msg.Voice = &tgbotapi.Voice{FileID: "v1", FileUniqueID: "uv", Duration: 2, FileSize: 512}

	pm, err := norm.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, pm.TranscriptFailed)
	assert.Empty(t, pm.Text)
	assert.Empty(t, pm.Files, "voice is transcribed, never uploaded")
}

func TestNormalizer_VoiceTranscribedIntoText(t *testing.T) {
	fx := newNormFixture(t)
	whisper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"text":"hello from voice","language":"english","duration":2.5}`)
	}))
	t.Cleanup(whisper.Close)
	norm := fx.normalizer(transcribe.New("key", whisper.URL, ""))
	fx.tg.addFile("v1", "voice/v1.ogg", []byte("ogg"))

	msg := privateMsg(7, 7, 10, "")
	msg.Voice = &tgbotapi.Voice{FileID: "v1", FileUniqueID: "uv", Duration: 2, FileSize: 512}

	pm, err := norm.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, pm.TranscriptFailed)
	assert.Equal(t, "hello from voice", pm.Text)
	assert.Empty(t, pm.Files)
}

func TestNormalizer_TopicMessagesGetOwnThread(t *testing.T) {
	fx := newNormFixture(t)
	norm := fx.normalizer(nil)
	ctx := context.Background()

	group := privateMsg(7, -100, 10, "in general")
	group.Chat = tgbotapi.Chat{ID: -100, Type: "supergroup", Title: "Team", IsForum: true}

	topic := privateMsg(7, -100, 11, "in topic")
	topic.Chat = group.Chat
	topic.IsTopicMessage = true
	topic.MessageThreadID = 42

	pmGeneral, err := norm.Process(ctx, group)
	require.NoError(t, err)
	pmTopic, err := norm.Process(ctx, topic)
	require.NoError(t, err)

	assert.Equal(t, int64(0), pmGeneral.Thread.TopicID)
	assert.Equal(t, int64(42), pmTopic.Thread.TopicID)
	assert.NotEqual(t, pmGeneral.Thread.ID, pmTopic.Thread.ID)
}
