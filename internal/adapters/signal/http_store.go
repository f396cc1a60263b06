package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

// HTTPStore is a SharedStore backed by the hub's message-store REST API.
type HTTPStore struct {
	base   string
	client *http.Client
}

func NewHTTPStore(base string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStore{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) messagesURL(session domain.SessionID) string {
	return fmt.Sprintf("%s/api/sessions/%s/messages", s.base, url.PathEscape(string(session)))
}

func (s *HTTPStore) Append(ctx context.Context, session domain.SessionID, m core.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messagesURL(session), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("append: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) ListSince(ctx context.Context, session domain.SessionID, since int64) ([]core.Message, error) {
	u := s.messagesURL(session) + "?since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list: unexpected status %d", resp.StatusCode)
	}
	var msgs []core.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("list decode: %w", err)
	}
	return msgs, nil
}

func (s *HTTPStore) PurgeBefore(ctx context.Context, session domain.SessionID, before int64) error {
	u := s.messagesURL(session) + "?before=" + strconv.FormatInt(before, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("purge: unexpected status %d", resp.StatusCode)
	}
	return nil
}
