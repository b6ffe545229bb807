package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"nitro-bot/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type botAPIStub struct {
	mu    sync.Mutex
	calls map[string][]map[string][]string
}

func (s *botAPIStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	_ = r.ParseForm()
	s.mu.Lock()
	s.calls[method] = append(s.calls[method], r.PostForm)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Shop","username":"shop_bot"}}`))
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":10,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func newStubClient(t *testing.T) (*Client, *botAPIStub) {
	t.Helper()
	stub := &botAPIStub{calls: map[string][]map[string][]string{}}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: "123:abc", APIEndpoint: srv.URL + "/bot%s/%s"}, discard(), nil)
	require.NoError(t, err)
	return c, stub
}

func TestSendTextWithKeyboard(t *testing.T) {
	c, stub := newStubClient(t)
	err := c.SendText(context.Background(), 42, "Choose", Keyboard{
		{{Label: "Deposit", Data: "deposit"}},
		{{Label: "Pay", URL: "https://pay.example/inv"}},
	})
	require.NoError(t, err)

	require.Len(t, stub.calls["sendMessage"], 1)
	form := stub.calls["sendMessage"][0]
	assert.Equal(t, "42", form["chat_id"][0])
	assert.Equal(t, "Choose", form["text"][0])

	var markup struct {
		InlineKeyboard [][]map[string]string `json:"inline_keyboard"`
	}
	require.NoError(t, json.Unmarshal([]byte(form["reply_markup"][0]), &markup))
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, "deposit", markup.InlineKeyboard[0][0]["callback_data"])
	assert.Equal(t, "https://pay.example/inv", markup.InlineKeyboard[1][0]["url"])
}

func TestAnswerCallback(t *testing.T) {
	c, stub := newStubClient(t)
	require.NoError(t, c.AnswerCallback(context.Background(), "cb-1"))
	require.Len(t, stub.calls["answerCallbackQuery"], 1)
	assert.Equal(t, "cb-1", stub.calls["answerCallbackQuery"][0]["callback_query_id"][0])
}

type memBlobs map[string][]byte

func (m memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := m[key]
	if !ok {
		return nil, errors.New("missing")
	}
	return b, nil
}

type recordingSender struct {
	texts []string
	docs  []string
	err   error
}

func (r *recordingSender) SendText(_ context.Context, _ int64, text string, _ Keyboard) error {
	r.texts = append(r.texts, text)
	return r.err
}

func (r *recordingSender) SendDocument(_ context.Context, _ int64, name string, _ []byte, _ string) error {
	r.docs = append(r.docs, name)
	return r.err
}

func TestDelivererFileAndText(t *testing.T) {
	sender := &recordingSender{}
	d := NewDeliverer(memBlobs{"f": []byte("pdf"), "t": []byte(" CODE-1 ")}, sender, discard())
	ctx := context.Background()

	require.NoError(t, d.Deliver(ctx, 42, repo.Product{ID: 1, Name: "Book", ContentKind: repo.ContentFile, BlobKey: "f", FileName: "book.pdf"}))
	require.NoError(t, d.Deliver(ctx, 42, repo.Product{ID: 2, Name: "Key", ContentKind: repo.ContentText, BlobKey: "t"}))

	assert.Equal(t, []string{"book.pdf"}, sender.docs)
	require.Len(t, sender.texts, 1)
	assert.Contains(t, sender.texts[0], "CODE-1")
}

func TestDelivererMissingBlob(t *testing.T) {
	sender := &recordingSender{}
	d := NewDeliverer(memBlobs{}, sender, discard())
	err := d.Deliver(context.Background(), 42, repo.Product{ID: 1, BlobKey: "nope"})
	require.Error(t, err)
	assert.Empty(t, sender.docs)
}
