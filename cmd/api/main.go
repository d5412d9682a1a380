package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meetverify/internal/auth"
	"meetverify/internal/checkin"
	"meetverify/internal/config"
	"meetverify/internal/facematch"
	"meetverify/internal/geo"
	"meetverify/internal/httpmiddleware"
	"meetverify/internal/meeting"
	"meetverify/internal/notify"
	"meetverify/internal/profile"
	"meetverify/internal/qrtoken"
	"meetverify/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var notifier notify.Notifier
	if redisClient.Healthy(context.Background()) {
		notifier = notify.NewRedis(redisClient.Client, cfg.NotifyChannel)
	} else {
		log.Println("redis not reachable, events will only be logged")
		notifier = notify.LogNotifier{}
	}

	sealer, err := facematch.NewSealer(cfg.EmbeddingKey)
	if err != nil {
		return err
	}

	embedClient := facematch.NewClient(cfg.EmbedServiceURL, cfg.EmbedTimeout, cfg.EmbedSkip)
	go func() {
		// Bounded warm-up probing; until it succeeds check-ins fail fast
		// with a retriable "warming up" error instead of hanging.
		if err := embedClient.WaitReady(context.Background(), 5, 2*time.Second); err != nil {
			log.Printf("warning: %v", err)
		} else {
			log.Println("embedding service ready")
		}
	}()

	codec := qrtoken.New(cfg.QRSigningSecret)
	meetingRepo := meeting.NewRepository(db.Client)
	meetingSvc := meeting.NewService(meetingRepo, codec, notifier)
	profileRepo := profile.NewRepository(db.Client, sealer)
	checkinRepo := checkin.NewRepository(db.Client)
	checkinSvc := checkin.NewService(meetingSvc, embedClient, profileRepo, meetingRepo, checkinRepo, notifier)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":  "ok",
			"redis":   redisHealthy,
			"matcher": embedClient.Ready(),
		})
	})

	// Dev-only token mint; production deployments get admin tokens from the
	// org's identity service.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/auth/dev-token", func(c *gin.Context) {
			var req struct {
				Subject string `json:"subject" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			tokens, err := auth.Issue(req.Subject, "admin", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"access_token":  tokens.AccessToken,
				"refresh_token": tokens.RefreshToken,
				"expires_at":    tokens.AccessExp.Unix(),
			})
		})
	}

	r.POST("/v1/checkins", func(c *gin.Context) {
		var req struct {
			QRToken    string  `json:"qr_token" binding:"required"`
			Latitude   float64 `json:"latitude"`
			Longitude  float64 `json:"longitude"`
			Image      string  `json:"image" binding:"required"`
			ImageRef   string  `json:"image_ref"`
			DeviceInfo string  `json:"device_info"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image must be base64"})
			return
		}

		res, err := checkinSvc.CheckIn(c.Request.Context(), checkin.Request{
			QRToken:    req.QRToken,
			Lat:        req.Latitude,
			Lon:        req.Longitude,
			Image:      image,
			ImageRef:   req.ImageRef,
			DeviceInfo: req.DeviceInfo,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.POST("/v1/locations/verify", func(c *gin.Context) {
		var req struct {
			MeetingID string  `json:"meeting_id" binding:"required"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, err := meetingRepo.Get(c.Request.Context(), req.MeetingID)
		if err != nil {
			writeError(c, err)
			return
		}
		fence := geo.Fence{Lat: m.Lat, Lon: m.Lon, RadiusMeters: m.RadiusMeters}
		valid, dist := fence.Check(req.Latitude, req.Longitude)
		c.JSON(http.StatusOK, gin.H{"valid": valid, "distance_meters": dist})
	})

	admin := r.Group("/v1", auth.AdminAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	admin.POST("/meetings", func(c *gin.Context) {
		var req struct {
			Title             string    `json:"title" binding:"required"`
			Latitude          float64   `json:"latitude"`
			Longitude         float64   `json:"longitude"`
			RadiusMeters      float64   `json:"radius_meters" binding:"required"`
			ScheduledStart    time.Time `json:"scheduled_start" binding:"required"`
			ScheduledEnd      time.Time `json:"scheduled_end" binding:"required"`
			LateCutoffMinutes int       `json:"late_cutoff_minutes"`
			ExpiryStrategy    string    `json:"expiry_strategy" binding:"required,oneof=UNTIL_END MAX_SCANS TIME_BASED"`
			StrategyParam     int       `json:"strategy_param"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m, err := meetingRepo.Create(c.Request.Context(), meeting.Meeting{
			Title:             req.Title,
			Lat:               req.Latitude,
			Lon:               req.Longitude,
			RadiusMeters:      req.RadiusMeters,
			ScheduledStart:    req.ScheduledStart,
			ScheduledEnd:      req.ScheduledEnd,
			LateCutoffMinutes: req.LateCutoffMinutes,
			Strategy:          meeting.ExpiryStrategy(req.ExpiryStrategy),
			StrategyParam:     req.StrategyParam,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, m)
	})

	admin.GET("/meetings/:id", func(c *gin.Context) {
		m, err := meetingRepo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	})

	admin.DELETE("/meetings/:id", func(c *gin.Context) {
		if err := meetingRepo.Delete(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	admin.POST("/meetings/:id/start", func(c *gin.Context) {
		m, err := meetingSvc.Start(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	})

	admin.POST("/meetings/:id/end", func(c *gin.Context) {
		m, err := meetingSvc.End(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	})

	admin.POST("/meetings/:id/cancel", func(c *gin.Context) {
		m, err := meetingSvc.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	})

	admin.POST("/meetings/:id/qr", func(c *gin.Context) {
		qr, err := meetingSvc.IssueQR(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, qr)
	})

	admin.GET("/meetings/:id/attendance", func(c *gin.Context) {
		limit, offset := pagination(c)
		records, err := checkinRepo.ListAttendance(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": records})
	})

	admin.DELETE("/attendance/:id", func(c *gin.Context) {
		if err := checkinSvc.RemoveAttendance(c.Request.Context(), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	admin.GET("/meetings/:id/pending", func(c *gin.Context) {
		limit, offset := pagination(c)
		records, err := checkinRepo.ListPending(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": records})
	})

	admin.POST("/pending/:id/approve", func(c *gin.Context) {
		var req struct {
			Notes string `json:"notes"`
		}
		_ = c.ShouldBindJSON(&req)
		att, err := checkinSvc.Approve(c.Request.Context(), c.Param("id"), reviewerID(c), req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": att})
	})

	admin.POST("/pending/:id/reject", func(c *gin.Context) {
		var req struct {
			Notes string `json:"notes"`
		}
		_ = c.ShouldBindJSON(&req)
		if err := checkinSvc.Reject(c.Request.Context(), c.Param("id"), reviewerID(c), req.Notes); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
	})

	admin.POST("/profiles", func(c *gin.Context) {
		var req struct {
			Name  string `json:"name" binding:"required"`
			Phone string `json:"phone" binding:"required"`
			Image string `json:"image" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		image, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image must be base64"})
			return
		}
		embedding, _, err := embedClient.Extract(c.Request.Context(), image)
		if err != nil {
			writeError(c, err)
			return
		}
		p, err := profileRepo.Enroll(c.Request.Context(), profile.Profile{Name: req.Name, Phone: req.Phone}, embedding)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, p)
	})

	admin.PUT("/profiles/:id/status", func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required,oneof=ACTIVE INACTIVE SUSPENDED"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := profileRepo.SetStatus(c.Request.Context(), c.Param("id"), profile.Status(req.Status)); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeError maps domain errors onto HTTP statuses. Only the expected
// taxonomy reaches clients with detail; everything else is a logged 500.
func writeError(c *gin.Context, err error) {
	var geofence *checkin.GeofenceError
	var badTransition *meeting.BadTransitionError

	switch {
	case errors.Is(err, qrtoken.ErrInvalidToken):
		// Deliberately opaque: no hints for QR forgery probing.
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired QR"})
	case errors.Is(err, meeting.ErrQRExpired),
		errors.Is(err, meeting.ErrQRMaxScans),
		errors.Is(err, meeting.ErrQRInactive):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, meeting.ErrMeetingNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &badTransition):
		c.JSON(http.StatusConflict, gin.H{"error": badTransition.Error()})
	case errors.As(err, &geofence):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":           geofence.Error(),
			"valid":           false,
			"distance_meters": geofence.DistanceMeters,
			"radius_meters":   geofence.RadiusMeters,
		})
	case errors.Is(err, facematch.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retriable": true})
	case errors.Is(err, facematch.ErrNoFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, checkin.ErrDuplicateAttendance):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, checkin.ErrAlreadyReviewed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, profile.ErrDuplicatePhone):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, meeting.ErrNotFound),
		errors.Is(err, profile.ErrNotFound),
		errors.Is(err, checkin.ErrPendingNotFound),
		errors.Is(err, checkin.ErrAttendanceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func reviewerID(c *gin.Context) string {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(auth.Claims)
	return claims.Subject
}

func pagination(c *gin.Context) (int, int) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
