// internal/messaging/handlers.go

package messaging

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/common/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the gateway
		return true
	},
}

type Handler struct {
	engine         *Engine
	hub            *Hub
	maxUploadBytes int64
	log            zerolog.Logger
}

func NewHandler(engine *Engine, hub *Hub, maxUploadBytes int64, log zerolog.Logger) *Handler {
	return &Handler{
		engine:         engine,
		hub:            hub,
		maxUploadBytes: maxUploadBytes,
		log:            log,
	}
}

type sendMessageBody struct {
	Content           string  `json:"content" validate:"max=8000"`
	ReplyTo           *string `json:"reply_to,omitempty" validate:"omitempty,min=1"`
	StrictAttachments bool    `json:"strict_attachments"`
}

type editMessageBody struct {
	Content string `json:"content" validate:"required,max=8000"`
}

// HandleWebSocket subscribes the connection to ?scope= conversation frames
// and ?server= roster frames.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := utils.UserID(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	scopeID := r.URL.Query().Get("scope")
	serverID := r.URL.Query().Get("server")
	if scopeID == "" && serverID == "" {
		utils.ErrorResponse(w, "scope or server is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := NewClient(h.hub, conn, userID)
	if scopeID != "" {
		client.Watch(KindConversation, scopeID)
	}
	if serverID != "" {
		client.Watch(KindRoster, serverID)
	}
	client.Start()
}

// GetMessages loads the newest page of a conversation
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Load(r.Context(), mux.Vars(r)["scope"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	utils.SuccessResponse(w, view, http.StatusOK)
}

// GetOlderMessages loads the page before ?before= (RFC3339) or before the
// oldest message held
func (h *Handler) GetOlderMessages(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			utils.ErrorResponse(w, "Invalid before timestamp", http.StatusBadRequest)
			return
		}
		before = t
	}

	view, err := h.engine.LoadOlder(r.Context(), mux.Vars(r)["scope"], before)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	utils.SuccessResponse(w, view, http.StatusOK)
}

// SendMessage accepts JSON or multipart/form-data with "files"
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := utils.UserID(r.Context())

	req := SendRequest{
		ScopeID:  mux.Vars(r)["scope"],
		SenderID: userID,
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := h.readMultipart(w, r, &req); err != nil {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		var body sendMessageBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if err := utils.ValidateStruct(body); err != nil {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Content = body.Content
		req.ReplyTo = body.ReplyTo
		req.StrictAttachments = body.StrictAttachments
	}

	res, err := h.engine.Send(r.Context(), req)
	if err != nil {
		h.writeError(w, err, res)
		return
	}

	status := http.StatusCreated
	if len(res.AttachmentFailures) > 0 {
		status = http.StatusMultiStatus
	}
	utils.SuccessResponse(w, res, status)
}

// RetryMessage resends a failed message from its draft
func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := h.engine.Resend(r.Context(), vars["scope"], vars["id"])
	if err != nil {
		h.writeError(w, err, res)
		return
	}
	utils.SuccessResponse(w, res, http.StatusCreated)
}

// DiscardMessage drops a failed message that was never sent
func (h *Handler) DiscardMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.engine.Discard(vars["scope"], vars["id"]); err != nil {
		h.writeError(w, err, nil)
		return
	}
	utils.MessageResponse(w, "discarded", http.StatusOK)
}

// CloseConversation drops the server-side state of a conversation
func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	h.engine.Close(mux.Vars(r)["scope"])
	utils.MessageResponse(w, "closed", http.StatusOK)
}

// EditMessage changes the content of a confirmed message
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var body editMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(body); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.engine.Edit(r.Context(), mux.Vars(r)["id"], body.Content)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	utils.SuccessResponse(w, msg, http.StatusOK)
}

// DeleteMessage deletes a confirmed message
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err, nil)
		return
	}
	utils.MessageResponse(w, "deleted", http.StatusOK)
}

// OpenDirectConversation resolves and loads the DM with another user
func (h *Handler) OpenDirectConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := utils.UserID(r.Context())

	view, err := h.engine.OpenDirect(r.Context(), userID, mux.Vars(r)["userId"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	utils.SuccessResponse(w, view, http.StatusOK)
}

func (h *Handler) readMultipart(w http.ResponseWriter, r *http.Request, req *SendRequest) error {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return errors.New("invalid multipart body")
	}

	req.Content = r.FormValue("content")
	if replyTo := r.FormValue("reply_to"); replyTo != "" {
		req.ReplyTo = &replyTo
	}
	req.StrictAttachments, _ = strconv.ParseBool(r.FormValue("strict_attachments"))

	for _, header := range r.MultipartForm.File["files"] {
		upload, err := readUpload(header)
		if err != nil {
			return err
		}
		req.Attachments = append(req.Attachments, upload)
	}
	return nil
}

func readUpload(header *multipart.FileHeader) (AttachmentUpload, error) {
	file, err := header.Open()
	if err != nil {
		return AttachmentUpload{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return AttachmentUpload{}, err
	}
	return AttachmentUpload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error, res *SendResult) {
	var (
		validation *ValidationError
		limited    *RateLimitError
		network    *NetworkError
		partial    *AttachmentError
	)

	switch {
	case errors.As(err, &validation):
		utils.ErrorResponse(w, validation.Error(), http.StatusBadRequest)
	case errors.As(err, &limited):
		if limited.CooldownRemaining > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.CooldownRemaining.Seconds()))))
		}
		utils.ErrorResponseWithData(w, limited.Error(), map[string]any{
			"reason":             limited.Reason,
			"cooldown_remaining": limited.CooldownRemaining.Seconds(),
		}, http.StatusTooManyRequests)
	case errors.As(err, &partial):
		utils.ErrorResponseWithData(w, partial.Error(), res, http.StatusUnprocessableEntity)
	case errors.As(err, &network):
		h.log.Warn().Err(err).Msg("upstream write failed")
		utils.ErrorResponseWithData(w, "Message could not be delivered", res, http.StatusBadGateway)
	case errors.Is(err, ErrNotFound):
		utils.ErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotConfirmed):
		utils.ErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrScopeClosed):
		utils.ErrorResponse(w, err.Error(), http.StatusGone)
	default:
		h.log.Error().Err(err).Msg("unhandled error")
		utils.ErrorResponse(w, "Internal server error", http.StatusInternalServerError)
	}
}
