package chatlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout        = 60 * time.Second
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTLSTimeout     = 5 * time.Second
)

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHTTPTLSTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHTTPTimeout,
	}
}

// ChatAPI is the plain request/response collaborator for chat metadata:
// chat lookup, message history, participants, read receipts and unread
// counts. The realtime path never goes through here.
type ChatAPI struct {
	apiURL     string
	creds      CredentialSource
	httpClient *http.Client
}

func NewChatAPI(apiURL string, creds CredentialSource) *ChatAPI {
	return &ChatAPI{
		apiURL:     strings.TrimRight(apiURL, "/"),
		creds:      creds,
		httpClient: defaultHTTPClient(),
	}
}

// FindOrCreateChat returns the chat for an event, creating it when none
// exists yet.
func (a *ChatAPI) FindOrCreateChat(ctx context.Context, eventID int64) (*Chat, error) {
	chat := &Chat{}
	err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/chats/event/%d", eventID), nil, chat)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Messages fetches one page of chat history, newest pages first as the
// server orders them.
func (a *ChatAPI) Messages(ctx context.Context, chatID int64, page, size int) (*Page[ChatMessage], error) {
	result := &Page[ChatMessage]{}
	path := fmt.Sprintf("/api/chats/%d/messages?page=%d&size=%d", chatID, page, size)
	if err := a.do(ctx, http.MethodGet, path, nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Participants lists the members of a chat.
func (a *ChatAPI) Participants(ctx context.Context, chatID int64) ([]Participant, error) {
	var participants []Participant
	path := fmt.Sprintf("/api/chats/%d/participants", chatID)
	if err := a.do(ctx, http.MethodGet, path, nil, &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

// MarkRead records every message in the chat as read for the local user.
func (a *ChatAPI) MarkRead(ctx context.Context, chatID int64) error {
	return a.do(ctx, http.MethodPut, fmt.Sprintf("/api/chats/%d/read", chatID), nil, nil)
}

// UnreadCount returns the number of chats with unread messages for the
// local user.
func (a *ChatAPI) UnreadCount(ctx context.Context) (int64, error) {
	var count int64
	if err := a.do(ctx, http.MethodGet, "/api/chats/unread-count", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (a *ChatAPI) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("chatlink: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, body)
	if err != nil {
		return fmt.Errorf("chatlink: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.creds.Token(); token != "" {
		req.Header.Set(hdrAuthorization, "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatlink: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chatlink: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("chatlink: decode %s response: %w", path, err)
	}
	return nil
}
