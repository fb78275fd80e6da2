package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"rentflow/internal/services"
	"rentflow/pkg/jwt"
	"rentflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 300 * time.Second
	wsPingInterval = 60 * time.Second
)

// LeaseSubscriber 订阅单个租约的事件频道
type LeaseSubscriber interface {
	SubscribeLease(ctx context.Context, leaseID uint) *redis.PubSub
}

// WebSocketHandler 租约事件推送
type WebSocketHandler struct {
	upgrader     websocket.Upgrader
	subscriber   LeaseSubscriber
	log          *logrus.Logger
	jwtManager   *jwt.JWTManager
	userService  *services.UserService
	leaseService *services.LeaseService
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(subscriber LeaseSubscriber, jwtManager *jwt.JWTManager, userService *services.UserService, leaseService *services.LeaseService, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || matchOrigin(origin, allowed) {
						return true
					}
				}
				logger.GetLogger().Warnf("WebSocket连接被拒绝，非法Origin: %s", origin)
				return false
			},
			ReadBufferSize:  1024 * 4,
			WriteBufferSize: 1024 * 4,
		},
		subscriber:   subscriber,
		log:          logger.GetLogger(),
		jwtManager:   jwtManager,
		userService:  userService,
		leaseService: leaseService,
	}
}

// LeaseEvents 推送租约签署、付款、激活等事件
func (h *WebSocketHandler) LeaseEvents(c *gin.Context) {
	leaseID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	// WebSocket不支持自定义header，令牌从查询参数获取
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少认证令牌"})
		return
	}
	claims, err := h.jwtManager.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的令牌"})
		return
	}

	user, err := h.userService.GetByID(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "用户不存在"})
		return
	}
	lease, err := h.leaseService.GetLease(c.Request.Context(), leaseID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "租约不存在"})
		return
	}
	if !canViewLease(user, lease) {
		c.JSON(http.StatusForbidden, gin.H{"error": "无权访问该租约"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	h.log.WithFields(logrus.Fields{
		"lease_id": leaseID,
		"user_id":  user.ID,
	}).Info("WebSocket connection established")

	h.streamLease(conn, leaseID)
}

func (h *WebSocketHandler) streamLease(conn *websocket.Conn, leaseID uint) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.subscriber.SubscribeLease(ctx, leaseID)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.WithError(err).Error("Failed to subscribe to lease channel")
		return
	}

	go h.readPump(conn, cancel)

	ch := pubsub.Channel()
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				h.log.WithError(err).Warn("Failed to parse lease event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.log.WithError(err).Warn("Failed to send lease event to client")
				return
			}
		}
	}
}

// readPump 只处理 pong 与关闭
func (h *WebSocketHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Warn("WebSocket unexpected close")
			}
			return
		}
	}
}

// matchOrigin 支持精确匹配和 *.example.com 通配
func matchOrigin(origin, allowed string) bool {
	if origin == allowed {
		return true
	}
	if !strings.HasPrefix(allowed, "*.") {
		return false
	}

	domain := allowed[2:]
	host := origin
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
