package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type sentMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func newBotServer(t *testing.T) (*httptest.Server, *[]sentMessage) {
	t.Helper()
	var (
		mu       sync.Mutex
		messages []sentMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var msg sentMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	return srv, &messages
}

func TestTelegramSinkNotifyUser(t *testing.T) {
	srv, messages := newBotServer(t)
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramSinkConfig{
		BotToken:   "test-token",
		APIBaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}

	if err := sink.NotifyUser(context.Background(), 42, "order ord_1 delivered"); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(*messages) != 1 || (*messages)[0].ChatID != 42 {
		t.Errorf("unexpected messages %+v", *messages)
	}
}

func TestTelegramSinkNotifyUserZeroChatIsNoop(t *testing.T) {
	srv, messages := newBotServer(t)
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramSinkConfig{BotToken: "test-token", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}

	if err := sink.NotifyUser(context.Background(), 0, "ignored"); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(*messages) != 0 {
		t.Errorf("zero chat id must not send: %+v", *messages)
	}
}

func TestTelegramSinkNotifyAdminFansOut(t *testing.T) {
	srv, messages := newBotServer(t)
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramSinkConfig{
		BotToken:     "test-token",
		AdminChatIDs: []int64{100, 200, 300},
		APIBaseURL:   srv.URL,
	})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}

	if err := sink.NotifyAdmin(context.Background(), "balance low"); err != nil {
		t.Fatalf("NotifyAdmin: %v", err)
	}
	if len(*messages) != 3 {
		t.Fatalf("expected 3 admin messages, got %d", len(*messages))
	}
	if (*messages)[1].ChatID != 200 || (*messages)[1].Text != "balance low" {
		t.Errorf("unexpected message %+v", (*messages)[1])
	}
}

func TestTelegramSinkReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramSinkConfig{BotToken: "test-token", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}

	if err := sink.NotifyUser(context.Background(), 42, "hi"); err == nil {
		t.Error("expected error on 401")
	}
}

func TestNewTelegramSinkRequiresToken(t *testing.T) {
	if _, err := NewTelegramSink(TelegramSinkConfig{}); err == nil {
		t.Error("expected error for missing token")
	}
}
