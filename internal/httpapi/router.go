// Package httpapi exposes the accounting facade over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerRequestID     = "X-Request-ID"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
	contextRequestID    = "request_id"
	contextAuthSubject  = "auth_subject"
	defaultTimeout      = 5 * time.Second
)

// Ledger is the facade surface the HTTP layer calls.
type Ledger interface {
	Reserve(ctx context.Context, userID ledger.UserID, cost ledger.TokenAmount, actionKind ledger.ActionKind, metadata ledger.MetadataJSON) (ledger.Reservation, error)
	Settle(ctx context.Context, chargeID ledger.ChargeID, resultRef ledger.ResultRef) error
	Refund(ctx context.Context, chargeID ledger.ChargeID) error
	ApplyTopUp(ctx context.Context, externalKey ledger.ExternalKey, userID ledger.UserID, tokens ledger.TokenAmount, metadata ledger.MetadataJSON) (ledger.TopUp, error)
	GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Tokens, error)
	ListEntries(ctx context.Context, userID ledger.UserID, cursor ledger.EntryCursor, limit int) ([]ledger.Entry, error)
}

// Config controls the router.
type Config struct {
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
	RequestTimeout time.Duration
}

// NewRouter builds the gin engine serving /healthz and /v1.
func NewRouter(cfg Config, accounting Ledger, logger *zap.Logger) (*gin.Engine, error) {
	if accounting == nil {
		return nil, errors.New("httpapi: ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.JWTSigningKey != "" && strings.TrimSpace(cfg.JWTIssuer) == "" {
		return nil, errors.New("httpapi: jwt issuer is required with a signing key")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerAuthorization, headerRequestID},
			ExposeHeaders:    []string{headerRequestID},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{ledger: accounting, logger: logger, timeout: cfg.RequestTimeout}
	api := router.Group("/v1")
	if cfg.JWTSigningKey != "" {
		api.Use(bearerAuthMiddleware([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))
	}
	api.POST("/charges", handler.handleReserve)
	api.POST("/charges/:charge_id/settle", handler.handleSettle)
	api.POST("/charges/:charge_id/refund", handler.handleRefund)
	api.POST("/topups", handler.handleTopUp)
	api.GET("/users/:user_id/balance", handler.handleBalance)
	api.GET("/users/:user_id/entries", handler.handleEntries)

	return router, nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := strings.TrimSpace(ctx.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Set(contextRequestID, requestID)
		ctx.Header(headerRequestID, requestID)
		ctx.Next()
	}
}

func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		fields := []zap.Field{
			zap.String("request_id", ctx.GetString(contextRequestID)),
			zap.String("method", ctx.Request.Method),
			zap.String("route", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		}
		if subject := ctx.GetString(contextAuthSubject); subject != "" {
			fields = append(fields, zap.String("subject", subject))
		}
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}

// bearerAuthMiddleware accepts HS256 tokens from the configured issuer.
func bearerAuthMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return signingKey, nil }
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(headerAuthorization)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, keyFunc); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(contextAuthSubject, claims.Subject)
		ctx.Next()
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
