package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/checkin"
	"bitbucket.org/gracesoft/congregate_backend/config"
	"bitbucket.org/gracesoft/congregate_backend/middlewares"
	"bitbucket.org/gracesoft/congregate_backend/models"
	"bitbucket.org/gracesoft/congregate_backend/realtime"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"bitbucket.org/gracesoft/congregate_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

const bulkCheckInRoute = "checkins.bulk"

var tracer = otel.Tracer("congregate-backend")

// RateLimiter implements a fixed-window per-IP limit backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "rl:" + c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

type apiError struct {
	Error string            `json:"error"`
	Code  checkin.ErrorCode `json:"code"`
}

func statusForCode(code checkin.ErrorCode) int {
	switch code {
	case checkin.ErrCodeValidation:
		return http.StatusBadRequest
	case checkin.ErrCodeAuthorization:
		return http.StatusForbidden
	case checkin.ErrCodeIdempotencyKeyReuse:
		return http.StatusConflict
	case checkin.ErrCodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bulkCheckInHandler is the offline-replay entry point: idempotency gate
// around the conflict resolver, then a post-response counter fanout on the
// services the batch actually mutated.
func bulkCheckInHandler(hub *realtime.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "bulkCheckIn")
		defer span.End()
		logger := config.GetLogger()

		userId, _ := utils.GetUserIdFromContext(ctx)
		churchId, _ := utils.GetChurchIdFromContext(ctx)
		role, _ := utils.GetRoleFromContext(ctx)

		var req checkin.BulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apiError{Error: err.Error(), Code: checkin.ErrCodeValidation})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, apiError{Error: err.Error(), Code: checkin.ErrCodeValidation})
			return
		}

		idemKey := c.GetHeader("Idempotency-Key")
		if idemKey == "" {
			idemKey = req.IdempotencyKey
		}
		if idemKey == "" && !config.AllowMissingIdempotencyKey() {
			c.JSON(http.StatusBadRequest, apiError{
				Error: "Idempotency-Key header is required on bulk submissions",
				Code:  checkin.ErrCodeValidation,
			})
			return
		}

		caller := checkin.Caller{UserId: userId, ChurchId: churchId, Role: role}
		store := checkin.NewGormStore(config.GetDB())

		// The request hash covers items and policy. The mirror key field is
		// excluded so header and body clients hash identically.
		hashable := req
		hashable.IdempotencyKey = ""
		requestBody, err := json.Marshal(hashable)
		if err != nil {
			c.JSON(http.StatusInternalServerError, apiError{Error: err.Error(), Code: checkin.ErrCodeTransient})
			return
		}

		// Captured on fresh execution only; replays must not re-publish.
		var touched []int

		handler := func(hctx context.Context) (workflow.StoredResponse, error) {
			result, err := checkin.ResolveBatch(hctx, store, caller, req.Items, req.ConflictResolution)
			if err != nil {
				var batchErr *checkin.BatchError
				if errors.As(err, &batchErr) {
					// Terminal batch rejection: persisted so a retry with the
					// same key replays the same verdict.
					body, _ := json.Marshal(apiError{Error: batchErr.Message, Code: batchErr.Code})
					return workflow.StoredResponse{Status: statusForCode(batchErr.Code), Body: body}, nil
				}
				return workflow.StoredResponse{}, err
			}
			touched = result.TouchedServices
			body, err := json.Marshal(result)
			if err != nil {
				return workflow.StoredResponse{}, err
			}
			return workflow.StoredResponse{Status: http.StatusOK, Body: body}, nil
		}

		var resp workflow.StoredResponse
		var replayed bool
		if idemKey == "" {
			resp, err = handler(ctx)
		} else {
			keyStore := workflow.NewGormKeyStore(config.GetDB())
			resp, replayed, err = workflow.ExecuteIdempotent(ctx, keyStore, config.GetRedisLock(),
				userId, bulkCheckInRoute, idemKey, requestBody, workflow.DefaultRetention, handler)
		}
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrIdempotencyKeyReuse):
				c.JSON(http.StatusConflict, apiError{
					Error: "idempotency key was already used with a different request body",
					Code:  checkin.ErrCodeIdempotencyKeyReuse,
				})
			case errors.Is(err, workflow.ErrIdempotencyInProgress):
				c.JSON(http.StatusServiceUnavailable, apiError{
					Error: "an identical submission is still being processed; retry shortly",
					Code:  checkin.ErrCodeTransient,
				})
			default:
				config.LogError(logger, "server.go", "bulkCheckInHandler", "ExecuteIdempotent", nil, err)
				c.JSON(http.StatusServiceUnavailable, apiError{Error: "temporary failure", Code: checkin.ErrCodeTransient})
			}
			return
		}

		c.Data(resp.Status, "application/json", resp.Body)

		// Fanout happens after the response is committed and only for fresh
		// executions: a replay already had its broadcast.
		if !replayed && resp.Status == http.StatusOK && len(touched) > 0 {
			go realtime.PublishServiceCounts(context.WithoutCancel(ctx), hub, store, churchId, touched)
		}
	}
}

// attendanceHandler is the poll/resync counterpart to the realtime fanout.
func attendanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		churchId, _ := utils.GetChurchIdFromContext(ctx)

		serviceId, err := strconv.Atoi(c.Param("id"))
		if err != nil || serviceId <= 0 {
			c.JSON(http.StatusBadRequest, apiError{Error: "invalid service id", Code: checkin.ErrCodeValidation})
			return
		}
		service, err := utils.FetchModel[models.Service](ctx, churchId, serviceId)
		if err != nil {
			c.JSON(http.StatusForbidden, apiError{Error: "service not accessible", Code: checkin.ErrCodeAuthorization})
			return
		}

		store := checkin.NewGormStore(config.GetDB())
		counts, err := checkin.ComputeAttendance(ctx, store, []int{serviceId})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, apiError{Error: "temporary failure", Code: checkin.ErrCodeTransient})
			return
		}
		c.JSON(http.StatusOK, gin.H{"service": service, "attendance": counts[0], "timestamp": time.Now().UTC()})
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// loginHandler issues the JWT the sync client and websocket handshake
// authenticate with.
func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := config.GetLogger()

		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := models.GetUserByUsername(ctx, req.Username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}
		if user.IsActive == nil || !*user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "account is inactive"})
			return
		}
		if err := utils.ComparePassword(user.Password, req.Password); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
			return
		}

		token, err := utils.JwtGenerate(user.ID, user.Username, string(user.Role), user.ChurchId)
		if err != nil {
			config.LogError(logger, "server.go", "loginHandler", "JwtGenerate", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
			return
		}

		church, err := models.GetChurchById(ctx, user.ChurchId)
		if err != nil {
			config.LogError(logger, "server.go", "loginHandler", "GetChurchById", map[string]interface{}{"church_id": user.ChurchId}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load church"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"token": token, "user": user, "church": church})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			fields := logrus.Fields{"path": c.Request.URL.Path}
			if corrId, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
				fields["correlation_id"] = corrId
			}
			if username, ok := utils.GetUsernameFromContext(c.Request.Context()); ok {
				fields["username"] = username
			}
			logger.WithFields(fields).Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	hub := realtime.NewHub(logger, nil)

	r.POST("/api/v1/auth/login", loginHandler())

	api := r.Group("/api/v1", middlewares.RequireAuth())
	api.POST("/checkins/bulk", bulkCheckInHandler(hub))
	api.GET("/services/:id/attendance", attendanceHandler())

	r.GET("/ws", realtime.ServeWS(hub, logger))

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Redis is up now: attach the cross-instance fanout bridge.
	hub.AttachRedis(config.GetRedisDB())
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()
	hub.StartBridge(bridgeCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the bridge first so it doesn't deliver into draining sessions.
	cancelBridge()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
