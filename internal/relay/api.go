package relay

import (
	"io"
	"net/http"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/model"
	"github.com/matheus3301/heartline/internal/wire"
	"go.uber.org/zap"
)

const (
	userContextKey  = "user_id"
	defaultPageSize = 50
	maxPageSize     = 500
	maxUploadSize   = 16 << 20
	mediaTokenTTL   = 2 * time.Hour
)

type conversation struct {
	participants []string
	messages     []model.Message
}

type upload struct {
	name        string
	contentType string
	data        []byte
}

// API is the in-memory REST backend. Every write is pushed to the affected
// users through the hub.
type API struct {
	hub  *Hub
	auth *Authenticator
	log  *zap.Logger

	mu       sync.Mutex
	convs    map[string]*conversation
	pairs    map[string]string
	msgConv  map[string]string
	clientID map[string]string
	uploads  map[string]upload
	seq      int64
}

// NewAPI creates an empty backend.
func NewAPI(hub *Hub, auth *Authenticator, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		hub:      hub,
		auth:     auth,
		log:      log,
		convs:    make(map[string]*conversation),
		pairs:    make(map[string]string),
		msgConv:  make(map[string]string),
		clientID: make(map[string]string),
		uploads:  make(map[string]upload),
	}
}

// Routes registers the API on g.
func (a *API) Routes(g *echo.Group) {
	g.POST("/conversations", a.createConversation)
	g.GET("/conversations/:id/messages", a.history)
	g.POST("/conversations/:id/messages", a.sendMessage)
	g.PATCH("/messages/:id/status", a.updateStatus)
	g.POST("/uploads", a.upload)
	g.POST("/calls/token", a.sessionToken)
}

// RequireAuth rejects requests without a valid bearer credential and stores
// the caller's user id on the context.
func (a *API) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearer(c.Request().Header)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			userID, err := a.auth.Verify(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}
			c.Set(userContextKey, userID)
			return next(c)
		}
	}
}

func currentUser(c echo.Context) string {
	id, _ := c.Get(userContextKey).(string)
	return id
}

type conversationRequest struct {
	Participants []string `json:"participants"`
}

func (a *API) createConversation(c echo.Context) error {
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	parts := slices.Clone(req.Participants)
	slices.Sort(parts)
	parts = slices.Compact(parts)
	if len(parts) != 2 || parts[0] == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly two participants required")
	}
	if !slices.Contains(parts, currentUser(c)) {
		return echo.NewHTTPError(http.StatusForbidden, "caller must be a participant")
	}

	key := parts[0] + "\x00" + parts[1]
	a.mu.Lock()
	id, ok := a.pairs[key]
	if !ok {
		id = "conv-" + uuid.NewString()
		a.pairs[key] = id
		a.convs[id] = &conversation{participants: parts}
	}
	a.mu.Unlock()

	status := http.StatusOK
	if !ok {
		status = http.StatusCreated
		a.log.Info("conversation created", zap.String("conversation_id", id), zap.Strings("participants", parts))
	}
	return c.JSON(status, map[string]string{"id": id})
}

func (a *API) history(c echo.Context) error {
	id := c.Param("id")
	limit := defaultPageSize
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = min(n, maxPageSize)
	}
	sort := backend.Sort(c.QueryParam("sort"))
	if sort == "" {
		sort = backend.SortDesc
	}
	if sort != backend.SortAsc && sort != backend.SortDesc {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sort")
	}

	a.mu.Lock()
	var page []model.Message
	if conv := a.convs[id]; conv != nil {
		// Both orders return the newest window; sort only picks the direction.
		start := max(0, len(conv.messages)-limit)
		page = slices.Clone(conv.messages[start:])
	}
	a.mu.Unlock()
	if sort == backend.SortDesc {
		slices.Reverse(page)
	}
	if page == nil {
		page = []model.Message{}
	}
	return c.JSON(http.StatusOK, map[string][]model.Message{"messages": page})
}

func (a *API) sendMessage(c echo.Context) error {
	convID := c.Param("id")
	sender := currentUser(c)
	var d backend.Draft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !d.Kind.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown message kind")
	}
	if d.Kind.IsMedia() && d.MediaRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "media message needs media_ref")
	}
	if !d.Kind.IsMedia() && d.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message needs a body")
	}

	a.mu.Lock()
	conv := a.convs[convID]
	if conv == nil {
		conv = &conversation{}
		a.convs[convID] = conv
	}
	if !slices.Contains(conv.participants, sender) {
		conv.participants = append(conv.participants, sender)
	}
	dedupe := convID + "\x00" + sender + "\x00" + d.ClientID
	if d.ClientID != "" {
		if msgID, ok := a.clientID[dedupe]; ok {
			i := slices.IndexFunc(conv.messages, func(m model.Message) bool { return m.ID == msgID })
			if i >= 0 {
				existing := conv.messages[i]
				a.mu.Unlock()
				a.log.Debug("duplicate send", zap.String("client_id", d.ClientID), zap.String("msg_id", msgID))
				return c.JSON(http.StatusOK, existing)
			}
		}
	}
	a.seq++
	msg := model.Message{
		ID:             "msg-" + uuid.NewString(),
		ClientID:       d.ClientID,
		ConversationID: convID,
		SenderID:       sender,
		Kind:           d.Kind,
		Body:           d.Body,
		MediaRef:       d.MediaRef,
		CreatedAt:      time.Now().UTC(),
		Seq:            a.seq,
		Status:         model.StatusSent,
	}
	conv.messages = append(conv.messages, msg)
	a.msgConv[msg.ID] = convID
	if d.ClientID != "" {
		a.clientID[dedupe] = msg.ID
	}
	participants := slices.Clone(conv.participants)
	a.mu.Unlock()

	a.log.Info("message stored", zap.String("conversation_id", convID), zap.String("msg_id", msg.ID), zap.String("sender_id", sender))
	a.hub.PublishRoom(convID, wire.EventNewMessage, msg, participants...)
	return c.JSON(http.StatusCreated, msg)
}

type statusRequest struct {
	Status model.Status `json:"status"`
}

func (a *API) updateStatus(c echo.Context) error {
	msgID := c.Param("id")
	var req statusRequest
	if err := c.Bind(&req); err != nil || !req.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	a.mu.Lock()
	convID, ok := a.msgConv[msgID]
	if !ok {
		a.mu.Unlock()
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	conv := a.convs[convID]
	i := slices.IndexFunc(conv.messages, func(m model.Message) bool { return m.ID == msgID })
	changed := conv.messages[i].Status.Rank() < req.Status.Rank()
	if changed {
		conv.messages[i].Status = req.Status
	}
	participants := slices.Clone(conv.participants)
	a.mu.Unlock()

	if changed {
		a.hub.PublishRoom(convID, wire.EventMessageStatusUpdate,
			wire.StatusUpdate{MessageID: msgID, ConversationID: convID, Status: req.Status}, participants...)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field required")
	}
	if fh.Size > maxUploadSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadSize+1))
	if err != nil {
		return err
	}
	if len(data) > maxUploadSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	id := uuid.NewString()
	name := path.Base(fh.Filename)
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	a.mu.Lock()
	a.uploads[id] = upload{name: name, contentType: ct, data: data}
	a.mu.Unlock()

	url := c.Scheme() + "://" + c.Request().Host + "/uploads/" + id + "/" + name
	a.log.Info("upload stored", zap.String("name", name), zap.Int("bytes", len(data)))
	return c.JSON(http.StatusCreated, map[string]string{"url": url})
}

// download serves stored uploads. It is public, like a CDN link.
func (a *API) download(c echo.Context) error {
	a.mu.Lock()
	u, ok := a.uploads[c.Param("id")]
	a.mu.Unlock()
	if !ok || u.name != c.Param("name") {
		return echo.NewHTTPError(http.StatusNotFound, "upload not found")
	}
	return c.Blob(http.StatusOK, u.contentType, u.data)
}

func (a *API) sessionToken(c echo.Context) error {
	var req backend.TokenRequest
	if err := c.Bind(&req); err != nil || req.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id required")
	}
	if req.PartyID != currentUser(c) {
		return echo.NewHTTPError(http.StatusForbidden, "token requested for another party")
	}
	token, err := a.auth.IssueMedia(req.ChannelID, req.PartyID, string(req.Role), mediaTokenTTL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}
