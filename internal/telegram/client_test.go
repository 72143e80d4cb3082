package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/alert-relay/internal/model"
)

type recordedCall struct {
	path string
	body map[string]any
}

func newTestServer(t *testing.T, reply func(method string) (int, string)) (*Client, *[]recordedCall) {
	t.Helper()
	var calls []recordedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		calls = append(calls, recordedCall{path: r.URL.Path, body: body})

		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		status, payload := reply(method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return New("TOKEN", WithBaseURL(srv.URL)), &calls
}

func TestSendMessage_HTMLWithKeyboard(t *testing.T) {
	client, calls := newTestServer(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":{"message_id":42,"chat":{"id":-100}}}`
	})

	kb := model.Keyboard{{{Text: "🟢 (0)", CallbackData: model.CallbackVoteGreen}}}
	links := []model.LinkAnnotation{{Offset: 0, Length: 3, URL: "https://x.io/?a=1&b=2"}}
	id, err := client.SendMessage(context.Background(), -100, "Foo bar", links, kb)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/botTOKEN/sendMessage", call.path)
	assert.Equal(t, "HTML", call.body["parse_mode"])
	assert.Equal(t, `<a href="https://x.io/?a=1&amp;b=2">Foo</a> bar`, call.body["text"])

	markup := call.body["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	require.Len(t, rows, 1)
	btn := rows[0].([]any)[0].(map[string]any)
	assert.Equal(t, "vote_green", btn["callback_data"])
	_, hasURL := btn["url"]
	assert.False(t, hasURL)
}

func TestSendMessage_APIErrorCarriesRetryAfter(t *testing.T) {
	client, _ := newTestServer(t, func(string) (int, string) {
		return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`
	})

	_, err := client.SendMessage(context.Background(), 1, "x", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.Code)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.Equal(t, "sendMessage", apiErr.Method)
}

func TestEditMessageReplyMarkup_NotModifiedIsNil(t *testing.T) {
	client, _ := newTestServer(t, func(string) (int, string) {
		return http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified"}`
	})

	err := client.EditMessageReplyMarkup(context.Background(), 1, 2, model.Keyboard{})
	assert.NoError(t, err)
}

func TestGetUpdates_DecodesAllKinds(t *testing.T) {
	client, calls := newTestServer(t, func(string) (int, string) {
		return http.StatusOK, `{"ok":true,"result":[
			{"update_id":10,"channel_post":{"message_id":5,"chat":{"id":-1001,"type":"channel"},"date":1700000000,"text":"💊 ABC"}},
			{"update_id":11,"callback_query":{"id":"cb1","from":{"id":7,"is_bot":false,"first_name":"a"},"data":"vote_red","message":{"message_id":9,"chat":{"id":-1002}}}}
		]}`
	})

	updates, err := client.GetUpdates(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "💊 ABC", updates[0].ChannelPost.Text)
	assert.Equal(t, "vote_red", updates[1].CallbackQuery.Data)
	assert.Equal(t, int64(9), updates[1].CallbackQuery.Message.MessageID)

	assert.Equal(t, float64(10), (*calls)[0].body["offset"])
	assert.ElementsMatch(t, []any{"message", "channel_post", "callback_query"}, (*calls)[0].body["allowed_updates"])
}

func TestCall_TransportErrorHidesToken(t *testing.T) {
	client := New("SECRET", WithBaseURL("http://127.0.0.1:1"))
	err := client.DeleteWebhook(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

func TestEntityLinks_UTF16Offsets(t *testing.T) {
	// "💊" is two UTF-16 units and four bytes.
	text := "💊 Foo link"
	entities := []MessageEntity{
		{Type: "text_link", Offset: 3, Length: 3, URL: "https://foo"},
		{Type: "bold", Offset: 0, Length: 2},
	}

	links := EntityLinks(text, entities)
	require.Len(t, links, 1)
	assert.Equal(t, "Foo", text[links[0].Offset:links[0].End()])
	assert.Equal(t, "https://foo", links[0].URL)
}

func TestEntityLinks_URLEntityUsesSpanText(t *testing.T) {
	text := "see https://a.b now"
	links := EntityLinks(text, []MessageEntity{{Type: "url", Offset: 4, Length: 11}})
	require.Len(t, links, 1)
	assert.Equal(t, "https://a.b", links[0].URL)
}

func TestEntityLinks_DropsOutOfRange(t *testing.T) {
	links := EntityLinks("abc", []MessageEntity{{Type: "text_link", Offset: 2, Length: 5, URL: "u"}})
	assert.Empty(t, links)
}

func TestApplyLinks_SkipsOverlapsAndEscapes(t *testing.T) {
	text := "one two three"
	links := []model.LinkAnnotation{
		{Offset: 4, Length: 3, URL: "https://b"},
		{Offset: 0, Length: 3, URL: `https://a?q="x"`},
		{Offset: 5, Length: 4, URL: "https://overlap"},
	}
	got := ApplyLinks(text, links)
	assert.Equal(t, `<a href="https://a?q=&quot;x&quot;">one</a> <a href="https://b">two</a> three`, got)
}

func TestEscapeHTML(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; c", EscapeHTML("a <b> & c"))
}

func TestMessageRaw_FallsBackToCaption(t *testing.T) {
	m := &Message{MessageID: 3, Chat: Chat{ID: -5}, Date: 1700000000, Caption: "cap"}
	raw := m.Raw()
	assert.Equal(t, "cap", raw.Text)
	assert.Equal(t, int64(-5), raw.ChatID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), raw.ReceivedAt)
}
