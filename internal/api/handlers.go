package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"niraama/internal/auth"
	"niraama/internal/models"
	"niraama/internal/session"
	"niraama/internal/store"
)

// ConversationStore is the read/manage surface the API needs; sends
// and edits go through the session manager instead.
type ConversationStore interface {
	List(ctx context.Context, ownerID int64) ([]models.ConversationSummary, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Delete(ctx context.Context, id string) error
	RecordUpload(ctx context.Context, up models.Upload, ttl time.Duration) (int64, error)
	UploadUsage(ctx context.Context, ownerID int64) (int64, error)
}

// Handler wires HTTP routes to the conversation store and per-user sessions.
type Handler struct {
	store    ConversationStore
	sessions *session.Manager
	auth     *auth.Service
	fileBase string
	fileTTL  time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(st ConversationStore, sessions *session.Manager, authService *auth.Service, fileBase string, fileTTL time.Duration) *Handler {
	return &Handler{
		store:    st,
		sessions: sessions,
		auth:     authService,
		fileBase: fileBase,
		fileTTL:  fileTTL,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("/conversations", h.listConversations)
	userRoutes.GET("/conversations/:conversation_id", h.getConversation)
	userRoutes.DELETE("/conversations/:conversation_id", h.deleteConversation)
	userRoutes.POST("/conversations/open", h.openConversation)
	userRoutes.POST("/messages", h.sendMessage)
	userRoutes.POST("/messages/:message_id", h.editMessage)
	userRoutes.POST("/uploads", h.filesUpload)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	summaries, err := h.store.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// ownedConversation loads a conversation and hides other owners'
// records behind the same not-found answer.
func (h *Handler) ownedConversation(c *gin.Context, userID int64) (*models.Conversation, bool) {
	conv, err := h.store.Get(c.Request.Context(), c.Param("conversation_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	if conv.OwnerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, false
	}
	return conv, true
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conv, ok := h.ownedConversation(c, userID)
	if !ok {
		return
	}
	payload := gin.H{"conversation": conv}

	s := h.sessions.Session(userID)
	if s.ConversationID() == conv.ID {
		payload["pending"] = s.Pending()
	}

	// Bot messages carrying a structured sections document are also
	// returned in parsed form so the view need not reparse.
	sections := make(map[string][]models.Section)
	for _, msg := range conv.Messages {
		if msg.Sender != models.SenderBot {
			continue
		}
		if parsed, ok := models.ParseSections(msg.Content); ok {
			sections[msg.ID] = parsed
		}
	}
	if len(sections) > 0 {
		payload["sections"] = sections
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID := c.Param("conversation_id")
	conv, err := h.store.Get(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// deleting a missing conversation is a no-op
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conv.OwnerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), conversationID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.sessions.Invalidate(conversationID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) openConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID != "" {
		conv, err := h.store.Get(c.Request.Context(), req.ConversationID)
		if err == nil && conv.OwnerID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
	}
	s := h.sessions.Session(userID)
	if err := s.Open(c.Request.Context(), req.ConversationID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": s.ConversationID(),
		"messages":        s.Transcript(),
	})
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s := h.sessions.Session(userID)
	if req.ConversationID != "" && req.ConversationID != s.ConversationID() {
		conv, err := h.store.Get(c.Request.Context(), req.ConversationID)
		if err == nil && conv.OwnerID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err := s.Open(c.Request.Context(), req.ConversationID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	receipt, err := s.Send(c.Request.Context(), req.Content)
	if err != nil {
		if errors.Is(err, session.ErrEmptyContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.respondWithReply(c, receipt)
}

type editRequest struct {
	Content string `json:"content"`
}

func (h *Handler) editMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s := h.sessions.Session(userID)
	receipt, err := s.Edit(c.Request.Context(), c.Param("message_id"), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyContent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		case errors.Is(err, session.ErrNoConversation):
			c.JSON(http.StatusConflict, gin.H{"error": "no conversation is open"})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		}
		return
	}
	h.respondWithReply(c, receipt)
}

// respondWithReply waits for the reply request on the caller's clock.
// If the client goes away first the reply still lands in the
// transcript; we just acknowledge the user's message.
func (h *Handler) respondWithReply(c *gin.Context, receipt *session.SendReceipt) {
	payload := gin.H{
		"conversation_id": receipt.ConversationID,
		"created":         receipt.Created,
		"user_message":    receipt.Message,
	}
	if receipt.Done == nil {
		c.JSON(http.StatusCreated, payload)
		return
	}
	select {
	case res := <-receipt.Done:
		switch {
		case res.Superseded:
			payload["superseded"] = true
			c.JSON(http.StatusOK, payload)
		case res.Err != nil:
			payload["reply_failed"] = true
			payload["reply_error"] = res.Err.Error()
			c.JSON(http.StatusOK, payload)
		default:
			payload["bot_message"] = res.Message
			c.JSON(http.StatusOK, payload)
		}
	case <-c.Request.Context().Done():
		c.JSON(http.StatusAccepted, payload)
	}
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	authToken, _ := auth.AuthTokenFromContext(c)
	if err := h.auth.SignOut(c.Request.Context(), userID, authToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.sessions.Reset(userID)
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.sessions.Reset(id)
	if err := h.auth.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

const (
	maxUploadBytes   = 10 << 20 // 10 MB
	userStorageLimit = 50 << 20 // 50 MB per user
)

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"image/",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) filesUpload(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	usage, err := h.store.UploadUsage(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calculate usage failed"})
		return
	}
	if usage+file.Size > userStorageLimit {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "storage quota exceeded"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	filename := filepath.Base(file.Filename)
	destDir, destPath, finalName := h.getUniqueFilePath(userID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	s := h.sessions.Session(userID)
	receipt, err := s.Attach(c.Request.Context(), finalName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	fileID, err := h.store.RecordUpload(c.Request.Context(), models.Upload{
		OwnerID:        userID,
		ConversationID: receipt.ConversationID,
		FileName:       finalName,
		StoredPath:     destPath,
		MimeType:       contentType,
		Size:           file.Size,
	}, h.fileTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record file failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"file_id":         fileID,
		"file_name":       finalName,
		"size":            file.Size,
		"mime":            contentType,
		"used":            usage + file.Size,
		"limit":           userStorageLimit,
		"conversation_id": receipt.ConversationID,
		"message":         receipt.Message,
	})
}

func (h *Handler) getFilePath(userID int64, filename string) (string, string) {
	destDir := filepath.Join(h.fileBase, strconv.FormatInt(userID, 10))
	destPath := filepath.Join(destDir, filename)
	return destDir, destPath
}

func (h *Handler) getUniqueFilePath(userID int64, filename string) (string, string, string) {
	destDir, destPath := h.getFilePath(userID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := h.getFilePath(userID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	fallback := fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, fallback), fallback
}
