package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/store"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The token in the query string is the access control; the
		// dashboard origin varies per deployment.
		return true
	},
}

// Handler authenticates and upgrades issue stream connections.
type Handler struct {
	hub       *Hub
	store     *store.Store
	jwtSecret []byte
	logger    *logger.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(hub *Hub, st *store.Store, cfg config.AuthConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:       hub,
		store:     st,
		jwtSecret: []byte(cfg.JWTSecret),
		logger:    log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleIssueStream serves GET /ws/issues/:id. The JWT rides in the
// token query parameter because browser websocket clients cannot set
// an Authorization header. Ownership is checked before the upgrade;
// cross-tenant issue IDs come back as not found.
func (h *Handler) HandleIssueStream(c *gin.Context) {
	issueID := c.Param("id")

	token := c.Query("token")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	customerID, err := h.customerFromToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, err := h.store.GetIssueForCustomer(c.Request.Context(), issueID, customerID); err != nil {
		c.AbortWithStatusJSON(apperrors.GetHTTPStatus(err), gin.H{"error": "issue not found"})
		return
	}

	snapshot, err := h.store.GetIssueSnapshot(c.Request.Context(), issueID)
	if err != nil {
		c.AbortWithStatusJSON(apperrors.GetHTTPStatus(err), gin.H{"error": "issue not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	// Current state goes out first, before any live event can race it
	connected, _ := json.Marshal(map[string]interface{}{
		"type":          "connected",
		"issue_id":      issueID,
		"status":        snapshot.Status,
		"confidence":    snapshot.Confidence,
		"kanban_column": snapshot.KanbanColumn,
		"actions_count": snapshot.ActionsCount,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(gorillaws.TextMessage, connected); err != nil {
		conn.Close()
		return
	}

	client := NewClient(uuid.New().String(), issueID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// customerFromToken validates the HMAC-signed access token and returns
// the customer id from its subject claim.
func (h *Handler) customerFromToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}
