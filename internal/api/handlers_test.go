package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/config"
	"docchat/internal/metrics"
	"docchat/internal/models"
	"docchat/internal/service/ai"
	"docchat/internal/service/assistant"
	"docchat/internal/service/pipeline"
	"docchat/internal/storage"
)

type recordingGateway struct {
	mu       sync.Mutex
	requests [][]models.Message
	fail     error
}

func (g *recordingGateway) Complete(ctx context.Context, msgs []models.Message, variant ai.Variant, maxTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, msgs)
	if g.fail != nil {
		return "", g.fail
	}
	if strings.Contains(msgs[len(msgs)-1].Content.PlainText(), "follow-up questions") {
		return "First?\nSecond?\nThird?", nil
	}
	return fmt.Sprintf("reply %d", len(g.requests)), nil
}

func (g *recordingGateway) first() []models.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[0]
}

// keyedSource hands out the gateway only once a key has been set.
type keyedSource struct {
	creds *ai.Credentials
	gw    ai.Gateway
}

func (s keyedSource) Gateway() (ai.Gateway, error) {
	if !s.creds.Configured() {
		return nil, &models.ConfigurationError{Message: "model api key is not set"}
	}
	return s.gw, nil
}

type staticExtractor struct{ text string }

func (e staticExtractor) ExtractText(ctx context.Context, path, mediaType string) (string, error) {
	return e.text, nil
}

type testServer struct {
	router  *gin.Engine
	store   *assistant.Service
	gateway *recordingGateway
	creds   *ai.Credentials
	files   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{
		"sqlite3": {DSN: filepath.Join(dir, "api.db")},
	}}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	t.Cleanup(func() { db.Close() })

	store := assistant.NewService(db)
	creds := ai.NewCredentials("")
	gw := &recordingGateway{}
	resolver := pipeline.NewResolver(store, staticExtractor{text: "the document body"}, pipeline.ResolverConfig{}, nil)
	pipe := pipeline.New(store, keyedSource{creds: creds, gw: gw}, resolver, pipeline.Options{})

	files := filepath.Join(dir, "uploads")
	handler := NewHandler(store, pipe, creds, Options{
		FileBaseDir:    files,
		MaxUploadBytes: 4 << 10,
		Metrics:        metrics.New(),
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, store: store, gateway: gw, creds: creds, files: files}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T, chatID int64, name, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/upload/%d", chatID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) newChat(t *testing.T, body any) models.Chat {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/chats", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Chat](t, rec)
}

func TestChatLifecycle(t *testing.T) {
	s := newTestServer(t)

	first := s.newChat(t, nil)
	assert.Equal(t, models.DefaultChatTitle, first.Title)
	second := s.newChat(t, map[string]any{"title": "Research"})
	assert.Equal(t, "Research", second.Title)

	rec := s.do(t, http.MethodGet, "/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chats := decode[[]models.Chat](t, rec)
	require.Len(t, chats, 2)
	assert.Equal(t, second.ID, chats[0].ID)
	assert.NotNil(t, chats[0].Messages)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/chats/%d", first.ID), map[string]string{"title": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPut, fmt.Sprintf("/chats/%d", first.ID), map[string]string{"title": "Renamed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d", first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decode[models.Chat](t, rec).Title)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/chats/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/chats/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/chats/999", map[string]string{"title": "x"}).Code)

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/chats/%d", first.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d", first.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, fmt.Sprintf("/chats/%d", first.ID), nil).Code)
}

func TestReplaceMessagesRoundTrip(t *testing.T) {
	s := newTestServer(t)
	chat := s.newChat(t, nil)
	path := fmt.Sprintf("/chats/%d/messages", chat.ID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, `{"messages": "nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, `{}`).Code)

	body := `{"messages": [
		{"role": "user", "content": "look at this"},
		{"role": "user", "content": [{"type": "text", "text": "and this"}, {"type": "image_url", "image_url": {"url": "data:image/png;base64,AA=="}}]},
		{"role": "file", "content": {"name": "a.pdf", "type": "application/pdf"}},
		{"role": "assistant", "content": "sure"},
		{"role": "user", "content": "hi", "id": 7, "timestamp": "2024-01-01"},
		{"role": "assistant"}
	]}`
	rec := s.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d", chat.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Messages json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, `[
		{"role": "user", "content": "look at this"},
		{"role": "user", "content": [{"type": "text", "text": "and this"}, {"type": "image_url", "image_url": {"url": "data:image/png;base64,AA=="}}]},
		{"role": "file", "content": {"name": "a.pdf", "type": "application/pdf"}},
		{"role": "assistant", "content": "sure"},
		{"role": "user", "content": "hi", "id": 7, "timestamp": "2024-01-01"},
		{"role": "assistant"}
	]`, string(got.Messages))
}

func TestFoldersAndFiltering(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/folders", map[string]string{"name": " "}).Code)
	rec := s.do(t, http.MethodPost, "/folders", map[string]string{"name": "Papers"})
	require.Equal(t, http.StatusCreated, rec.Code)
	folder := decode[models.Folder](t, rec)

	inFolder := s.newChat(t, map[string]any{"title": "filed", "folder_id": folder.ID})
	loose := s.newChat(t, map[string]any{"title": "loose"})
	rec = s.do(t, http.MethodPost, "/chats", map[string]any{"folder_id": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/chats?folder_id=%d", folder.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	filed := decode[[]models.Chat](t, rec)
	require.Len(t, filed, 1)
	assert.Equal(t, inFolder.ID, filed[0].ID)

	rec = s.do(t, http.MethodGet, "/chats?folder_id=none", nil)
	uncategorized := decode[[]models.Chat](t, rec)
	require.Len(t, uncategorized, 1)
	assert.Equal(t, loose.ID, uncategorized[0].ID)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/chats?folder_id=x", nil).Code)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/chats/%d/folder", loose.ID), map[string]any{"folder_id": folder.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPut, fmt.Sprintf("/chats/%d/folder", loose.ID), map[string]any{"folder_id": nil})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/folders/%d", folder.ID), map[string]string{"name": "Archive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/folders/999", map[string]string{"name": "x"}).Code)

	rec = s.do(t, http.MethodGet, "/folders", nil)
	folders := decode[[]models.Folder](t, rec)
	require.Len(t, folders, 1)
	assert.Equal(t, "Archive", folders[0].Name)

	require.Equal(t, http.StatusCreated, s.upload(t, inFolder.ID, "paper.pdf", "application/pdf", []byte("%PDF-1.4")).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, fmt.Sprintf("/folders/%d", folder.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d", inFolder.ID), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d", loose.ID), nil).Code)

	// the emptied chat directory is pruned along with its files
	assert.NoDirExists(t, filepath.Join(s.files, fmt.Sprint(inFolder.ID)))
}

func TestUploadServeAndDeleteFile(t *testing.T) {
	s := newTestServer(t)
	chat := s.newChat(t, nil)

	rec := s.upload(t, chat.ID, "notes.pdf", "", []byte("%PDF-1.4 minimal"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	uploaded := decode[struct {
		ID       int64  `json:"id"`
		Filename string `json:"filename"`
	}](t, rec)
	assert.Equal(t, "notes.pdf", uploaded.Filename)

	rec = s.upload(t, chat.ID, "photo.png", "image/png", []byte("not really a png"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d/pdfs", chat.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	atts := decode[[]models.Attachment](t, rec)
	require.Len(t, atts, 2)
	assert.Equal(t, "photo.png", atts[0].Filename)
	assert.Equal(t, "image/png", atts[0].MediaType)
	assert.Equal(t, "application/pdf", atts[1].MediaType)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/files/%d", uploaded.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.4 minimal", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "notes.pdf")

	rec = s.do(t, http.MethodDelete, fmt.Sprintf("/files/%d", uploaded.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, fmt.Sprintf("/files/%d", uploaded.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, fmt.Sprintf("/files/%d", uploaded.ID), nil).Code)
}

func TestClearAttachments(t *testing.T) {
	s := newTestServer(t)
	chat := s.newChat(t, nil)
	require.Equal(t, http.StatusCreated, s.upload(t, chat.ID, "a.pdf", "application/pdf", []byte("%PDF-1.4")).Code)
	require.Equal(t, http.StatusCreated, s.upload(t, chat.ID, "b.png", "image/png", []byte("png")).Code)

	path := fmt.Sprintf("/chats/%d/pdfs", chat.ID)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path, nil).Code)
	rec := s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]models.Attachment](t, rec))
	assert.NoDirExists(t, filepath.Join(s.files, fmt.Sprint(chat.ID)))
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, fmt.Sprintf("/chats/%d", chat.ID), nil).Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/chats/999/pdfs", nil).Code)
}

func TestGetFileWithMissingBackingFile(t *testing.T) {
	s := newTestServer(t)
	chat := s.newChat(t, nil)
	att, err := s.store.AddAttachment(context.Background(), chat.ID, "gone.pdf", filepath.Join(s.files, "gone.pdf"), "application/pdf")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, fmt.Sprintf("/files/%d", att.ID), nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, fmt.Sprintf("/files/%d", att.ID), nil).Code)
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t)
	chat := s.newChat(t, nil)

	assert.Equal(t, http.StatusBadRequest, s.upload(t, 999, "a.pdf", "", []byte("%PDF")).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, s.upload(t, chat.ID, "big.pdf", "", bytes.Repeat([]byte("x"), 8<<10)).Code)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/upload/%d", chat.ID), strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	atts, err := s.store.ListAttachments(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Empty(t, atts)
}

type askResponse struct {
	Answer    string   `json:"answer"`
	Followups []string `json:"followups"`
	ChatID    int64    `json:"chatId"`
}

func TestAskRequiresKeyThenAnswers(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "api key")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/set-openai-key", map[string]string{"apikey": " "}).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/set-openai-key", map[string]string{"apikey": "sk-test"}).Code)
	assert.Equal(t, "sk-test", s.creds.APIKey())

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/ask", map[string]string{"question": ""}).Code)

	rec = s.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[askResponse](t, rec)
	assert.Equal(t, "reply 1", res.Answer)
	assert.Equal(t, []string{"First?", "Second?", "Third?"}, res.Followups)
	require.Positive(t, res.ChatID)

	chat, err := s.store.GetChat(context.Background(), res.ChatID)
	require.NoError(t, err)
	assert.Equal(t, []models.Message{
		models.NewTextMessage(models.RoleUser, "hello"),
		models.NewTextMessage(models.RoleAssistant, "reply 1"),
	}, chat.Messages)

	rec = s.do(t, http.MethodPost, "/api/ask", map[string]any{"question": "hi", "chatId": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAskUsesUploadedDocument(t *testing.T) {
	s := newTestServer(t)
	s.creds.Set("sk")
	chat := s.newChat(t, nil)
	require.Equal(t, http.StatusCreated, s.upload(t, chat.ID, "paper.pdf", "application/pdf", []byte("%PDF")).Code)

	rec := s.do(t, http.MethodPost, "/api/ask", map[string]any{"question": "summarize the document", "chatId": chat.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sent := s.gateway.first()
	require.Len(t, sent, 2)
	assert.Equal(t, models.RoleSystem, sent[0].Role)
	assert.Contains(t, sent[0].Content.Text, "the document body")
}

func TestAskUpstreamFailureIs500(t *testing.T) {
	s := newTestServer(t)
	s.creds.Set("sk")
	chat := s.newChat(t, nil)
	s.gateway.fail = errors.New("provider unavailable")

	rec := s.do(t, http.MethodPost, "/api/ask", map[string]any{"question": "hello", "chatId": chat.ID})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	stored, err := s.store.GetChat(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Messages)

	// a chat created for the failed question does not linger
	rec = s.do(t, http.MethodPost, "/api/ask", map[string]any{"question": "hello"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec = s.do(t, http.MethodGet, "/chats", nil)
	chats := decode[[]models.Chat](t, rec)
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)
}

func TestEditEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.creds.Set("sk")
	rec := s.do(t, http.MethodPost, "/api/ask", map[string]string{"question": "first try"})
	require.Equal(t, http.StatusOK, rec.Code)
	chatID := decode[askResponse](t, rec).ChatID

	rec = s.do(t, http.MethodPost, "/api/edit", map[string]any{"chatId": chatID, "text": "second try"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/edit", map[string]any{"chatId": chatID, "messageIndex": 1, "text": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/edit", map[string]any{"chatId": chatID, "messageIndex": 0, "text": "second try"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[askResponse](t, rec)
	assert.Equal(t, chatID, res.ChatID)

	chat, err := s.store.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "second try", chat.Messages[0].Content.Text)
	assert.Equal(t, res.Answer, chat.Messages[1].Content.Text)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodGet, "/folders", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docchat_http_requests_total")

	req = httptest.NewRequest(http.MethodOptions, "/api/ask", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
