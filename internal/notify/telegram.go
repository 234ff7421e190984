package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBaseURL = "https://api.telegram.org"
	defaultTimeout    = 10 * time.Second
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TelegramSinkConfig configures the Bot API sink.
type TelegramSinkConfig struct {
	BotToken     string
	AdminChatIDs []int64
	// APIBaseURL overrides the Bot API host, primarily for tests.
	APIBaseURL string
	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient httpDoer
}

// TelegramSink sends messages through the Telegram Bot API.
type TelegramSink struct {
	token      string
	adminChats []int64
	baseURL    string
	http       httpDoer
}

// NewTelegramSink constructs the sink.
func NewTelegramSink(cfg TelegramSinkConfig) (*TelegramSink, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("telegram sink: bot token is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if base == "" {
		base = defaultAPIBaseURL
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: defaultTimeout}
	}

	return &TelegramSink{
		token:      token,
		adminChats: append([]int64(nil), cfg.AdminChatIDs...),
		baseURL:    base,
		http:       doer,
	}, nil
}

// NotifyUser implements Sink.
func (s *TelegramSink) NotifyUser(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return nil
	}
	return s.sendMessage(ctx, chatID, text)
}

// NotifyAdmin implements Sink. Every admin chat is attempted; the first
// failure is returned after the rest have been tried.
func (s *TelegramSink) NotifyAdmin(ctx context.Context, text string) error {
	var firstErr error
	for _, chatID := range s.adminChats {
		if err := s.sendMessage(ctx, chatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *TelegramSink) sendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram sink: marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sink: send to chat %d: %w", chatID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram sink: send to chat %d: status %d", chatID, resp.StatusCode)
	}
	return nil
}
