package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kraken-trading-bot/internal/events"
	"kraken-trading-bot/internal/logging"
)

// StatusProvider exposes the loop's current state document
type StatusProvider interface {
	StatusDocument() interface{}
}

// Config holds the control API settings. PasswordHash is a bcrypt hash of
// the operator password.
type Config struct {
	Address       string
	Username      string
	PasswordHash  string
	JWTSecret     string
	TokenLifetime time.Duration
	AllowOrigins  []string
}

// Server is the operator control surface: login, status, commands
type Server struct {
	cfg    Config
	status StatusProvider
	bus    *events.Bus
	log    *logging.Logger
	http   *http.Server
}

func NewServer(cfg Config, status StatusProvider, bus *events.Bus) *Server {
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 12 * time.Hour
	}
	return &Server{
		cfg:    cfg,
		status: status,
		bus:    bus,
		log:    logging.WithComponent("api"),
	}
}

// Start runs the HTTP server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/login", s.handleLogin)

	authed := router.Group("/api", s.authMiddleware())
	authed.GET("/status", s.handleStatus)
	authed.POST("/commands", s.handleCommand)

	s.http = &http.Server{Addr: s.cfg.Address, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control api listening", "address", s.cfg.Address)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("control api: %w", err)
	}
}

// ==================== Auth ====================

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if req.Username != s.cfg.Username ||
		bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	expiry := time.Now().Add(s.cfg.TokenLifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"exp": expiry.Unix(),
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expires_at": expiry.UTC()})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// ==================== Handlers ====================

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.StatusDocument())
}

type commandRequest struct {
	Type        string  `json:"type" binding:"required"`
	Symbol      string  `json:"symbol"`
	DurationMin int     `json:"duration_min"`
	Stop        float64 `json:"stop"`
	Target      float64 `json:"target"`
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command type required"})
		return
	}

	cmd := events.Command{
		Type:     events.CommandType(req.Type),
		Symbol:   req.Symbol,
		Duration: time.Duration(req.DurationMin) * time.Minute,
		Stop:     req.Stop,
		Target:   req.Target,
		Source:   "api",
	}
	if err := s.bus.Enqueue(cmd); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("operator command queued", "type", req.Type, "symbol", req.Symbol)
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}
