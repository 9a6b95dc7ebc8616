package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/matheus3301/heartline/internal/model"
)

// Sort is the history ordering requested from the server.
type Sort string

const (
	SortAsc  Sort = "asc"
	SortDesc Sort = "desc"
)

// HistoryOptions bounds a history fetch.
type HistoryOptions struct {
	Limit int
	Sort  Sort
}

// Draft is an outgoing message as submitted to the server. ClientID is echoed
// back on the stored message and on the pushed new_message event.
type Draft struct {
	ClientID string     `json:"client_id"`
	Kind     model.Kind `json:"kind"`
	Body     string     `json:"body,omitempty"`
	MediaRef string     `json:"media_ref,omitempty"`
}

type conversationRequest struct {
	Participants []string `json:"participants"`
}

type conversationResponse struct {
	ID string `json:"id"`
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

type statusRequest struct {
	Status model.Status `json:"status"`
}

type uploadResponse struct {
	URL string `json:"url"`
}

// TokenRequest asks for a media session token for one party of a call.
type TokenRequest struct {
	ChannelID string     `json:"channel_id"`
	PartyID   string     `json:"party_id"`
	Role      model.Role `json:"role"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// CreateConversation returns the id of the conversation between a and b,
// creating it if needed.
func (c *Client) CreateConversation(ctx context.Context, a, b string) (string, error) {
	var out conversationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", conversationRequest{Participants: []string{a, b}}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create conversation: empty id in response")
	}
	return out.ID, nil
}

// FetchHistory returns a page of a conversation's messages.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, opts HistoryOptions) ([]model.Message, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Sort != "" {
		q.Set("sort", string(opts.Sort))
	}
	var out historyResponse
	p := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, p, q, nil, "", &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		if out.Messages[i].ConversationID == "" {
			out.Messages[i].ConversationID = conversationID
		}
	}
	return out.Messages, nil
}

// SendMessage submits a draft and returns the stored message.
func (c *Client) SendMessage(ctx context.Context, conversationID string, d Draft) (model.Message, error) {
	var out model.Message
	p := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, p, d, &out); err != nil {
		return model.Message{}, err
	}
	if out.ID == "" {
		return model.Message{}, errors.New("send message: empty id in response")
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

// UpdateDeliveryStatus records a delivery status for a message.
func (c *Client) UpdateDeliveryStatus(ctx context.Context, messageID string, status model.Status) error {
	p := "/messages/" + url.PathEscape(messageID) + "/status"
	return c.doJSON(ctx, http.MethodPatch, p, statusRequest{Status: status}, nil)
}

// Upload streams a file to the media endpoint and returns its public URL.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", path.Base(name))
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	var out uploadResponse
	if err := c.do(ctx, http.MethodPost, "/uploads", nil, pr, mw.FormDataContentType(), &out); err != nil {
		_ = pr.Close()
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload %s: empty url in response", name)
	}
	return out.URL, nil
}

// SessionToken fetches the media token a party needs to join a call channel.
func (c *Client) SessionToken(ctx context.Context, req TokenRequest) (string, error) {
	var out tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/calls/token", req, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("session token: empty token in response")
	}
	return out.Token, nil
}
