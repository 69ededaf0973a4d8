package chat

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"studybuddy/logger"
	"studybuddy/tools/errs"
	"studybuddy/tools/security"
)

// RegisterRoutes mounts the gateway's HTTP surface: the WebSocket endpoint
// plus the small REST API for chat lifecycle.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws", s.HandleWS)

	api := r.Group("/", s.requireAuth())
	api.POST("/chats/direct", s.CreateDirectChat)
	api.POST("/chats/:chat_id/participants", s.AddParticipant)
	api.DELETE("/chats/:chat_id/participants/:user_id", s.RemoveParticipant)
}

const ctxUserKey = "auth_user"
const ctxScopesKey = "auth_scopes"

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.CodeUnauthenticated, "msg": "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(raw, "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.CodeUnauthenticated, "msg": "missing bearer token"})
			return
		}
		id, err := security.Verify(s.cfg.Auth, token)
		if err != nil {
			logger.Infof("[api] rejected token %s: %v", security.HashToken(token), err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.CodeUnauthenticated, "msg": "invalid token"})
			return
		}
		c.Set(ctxUserKey, id.UserID)
		c.Set(ctxScopesKey, id.Scopes)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	v, _ := c.Get(ctxUserKey)
	u, _ := v.(string)
	return u
}

func callerHasScope(c *gin.Context, scope string) bool {
	v, _ := c.Get(ctxScopesKey)
	scopes, _ := v.([]string)
	for _, sc := range scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

type createDirectReq struct {
	PeerID string `json:"peer_id" binding:"required"`
}

// CreateDirectChat resolves (or creates) the one direct chat between the
// caller and the peer. Safe to call concurrently from any instance: all
// callers converge on the same chat id.
func (s *Server) CreateDirectChat(c *gin.Context) {
	var req createDirectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeValidation, "msg": "peer_id required"})
		return
	}
	caller := callerID(c)
	id, err := s.dir.ResolveOrCreateDirect(c.Request.Context(), caller, req.PeerID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": id.String()})
}

type addParticipantReq struct {
	UserID string `json:"user_id" binding:"required"`
}

// AddParticipant joins a user to a group/community chat. The caller must be a
// member already (or carry the moderator scope).
func (s *Server) AddParticipant(c *gin.Context) {
	chatID := c.Param("chat_id")
	var req addParticipantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.CodeValidation, "msg": "user_id required"})
		return
	}
	ctx := c.Request.Context()
	if !callerHasScope(c, ScopeModerator) {
		ok, err := s.dir.IsMember(ctx, chatID, callerID(c))
		if err != nil {
			writeAPIError(c, errs.ErrStoreUnavailable.WrapMsg("membership check failed"))
			return
		}
		if !ok {
			writeAPIError(c, errs.ErrForbidden.WrapMsg("caller not a member", "chat", chatID))
			return
		}
	}
	if err := s.dir.AddParticipant(ctx, chatID, req.UserID); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "user_id": req.UserID})
}

// RemoveParticipant leaves (or kicks from) a chat. Users may remove
// themselves; removing someone else takes the moderator scope. Live sessions
// of the removed user drop their subscription through the directory hook.
func (s *Server) RemoveParticipant(c *gin.Context) {
	chatID := c.Param("chat_id")
	target := c.Param("user_id")
	if target != callerID(c) && !callerHasScope(c, ScopeModerator) {
		writeAPIError(c, errs.ErrForbidden.WrapMsg("cannot remove other members", "chat", chatID))
		return
	}
	if err := s.dir.RemoveParticipant(c.Request.Context(), chatID, target); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "user_id": target})
}

func writeAPIError(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case errs.CodeForbidden, errs.CodeSenderNotMember:
		status = http.StatusForbidden
	case errs.CodeChatNotFound:
		status = http.StatusNotFound
	case errs.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"code": code, "msg": err.Error(), "retryable": errs.Retryable(err)})
}
