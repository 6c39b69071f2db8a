package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studyhub/peercall/internal/middleware"
)

// RouterOptions carries everything the relay routes depend on.
type RouterOptions struct {
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	HistoryLimit   int

	Users         UserStore
	Records       RecordStore
	Notifications NotificationStore
	Rooms         RoomStore
	Hub           *Hub
}

// NewRouter wires the relay's HTTP API and record stream endpoint.
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(opts.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(opts.JWTSecret)

	api := router.Group("/api")
	{
		api.POST("/auth/register", Register(opts.Users, opts.JWTSecret, opts.TokenTTL))
		api.POST("/auth/login", Login(opts.Users, opts.JWTSecret, opts.TokenTTL))

		api.POST("/rooms", auth, CreateRoom(opts.Rooms))
		api.GET("/rooms/:roomId", GetRoom(opts.Rooms))
		api.DELETE("/rooms/:roomId", auth, DeleteRoom(opts.Rooms))

		api.POST("/rooms/:roomId/records", auth, AppendRecord(opts.Hub.app, opts.Rooms))
		api.GET("/rooms/:roomId/messages", auth, ListMessages(opts.Records, opts.Rooms, opts.HistoryLimit))

		api.GET("/notifications", auth, ListNotifications(opts.Notifications))
		api.POST("/notifications/:id/read", auth, MarkNotificationRead(opts.Notifications))
	}

	ws := router.Group("/ws")
	{
		// the token travels as a query parameter on upgrades
		ws.GET("/rooms/:roomId", auth, opts.Hub.HandleStream)
		ws.GET("/notifications", auth, opts.Hub.HandleNotifications)
	}

	return router
}
