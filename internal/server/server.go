// Package server exposes the bot dispatcher over HTTP so any chat host can
// forward normalized events and relay the replies.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/bot"
	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/metrics"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const (
	maxEventBytes       = 32 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	shutdownTimeout     = 5 * time.Second
)

// HistoryReader is the part of the history store the server queries.
type HistoryReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*history.Record, error)
}

type Options struct {
	Addr       string
	Mode       string
	Dispatcher *bot.Dispatcher
	Registry   *provider.Registry
	History    HistoryReader
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

type Server struct {
	addr   string
	router *gin.Engine
	logger *zap.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("server requires a dispatcher")
	}
	if opts.Registry == nil {
		return nil, errors.New("server requires a provider registry")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("component", "server"))

	switch opts.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(opts.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger, opts.Metrics))

	h := &handlers{
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		history:    opts.History,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	v1.POST("/events", h.handleEvent)
	v1.GET("/providers", h.handleProviders)
	v1.GET("/history/:user", h.handleHistory)

	return &Server{addr: opts.Addr, router: router, logger: logger}, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http server listening", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

func requestLogger(logger *zap.Logger, m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		dur := time.Since(start)
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		if m != nil {
			m.RecordHTTPRequest(c.Request.Method, path, status, dur)
		}
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.String("ip", c.ClientIP()),
			zap.Duration("duration", dur))
	}
}

type handlers struct {
	dispatcher *bot.Dispatcher
	registry   *provider.Registry
	history    HistoryReader
	logger     *zap.Logger
}

// EventRequest is the wire form of models.Event. Attachment data is base64.
type EventRequest struct {
	UserID      string              `json:"user_id" binding:"required"`
	Text        string              `json:"text"`
	Attachments []AttachmentRequest `json:"attachments"`
}

type AttachmentRequest struct {
	URL      string `json:"url"`
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type ReplyResponse struct {
	Text        string `json:"text,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

type EventResponse struct {
	Replies []ReplyResponse `json:"replies"`
}

func (r EventRequest) toEvent() (models.Event, error) {
	ev := models.Event{UserID: strings.TrimSpace(r.UserID), Text: r.Text}
	for i, a := range r.Attachments {
		att := models.Attachment{URL: strings.TrimSpace(a.URL), MIMEType: a.MIMEType}
		if a.Data != "" {
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return ev, errors.New("attachment " + strconv.Itoa(i) + ": data is not valid base64")
			}
			att.Data = data
		}
		if att.IsZero() {
			return ev, errors.New("attachment " + strconv.Itoa(i) + ": url or data is required")
		}
		ev.Attachments = append(ev.Attachments, att)
	}
	if ev.UserID == "" {
		return ev, errors.New("user_id is required")
	}
	return ev, nil
}

func (h *handlers) handleEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBytes)

	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := req.toEvent()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	replies := h.dispatcher.Handle(c.Request.Context(), ev)
	resp := EventResponse{Replies: make([]ReplyResponse, 0, len(replies))}
	for _, r := range replies {
		out := ReplyResponse{Text: r.Text, ImageURL: r.ImageURL, Provider: r.Provider}
		if len(r.ImageData) > 0 {
			out.ImageBase64 = base64.StdEncoding.EncodeToString(r.ImageData)
		}
		resp.Replies = append(resp.Replies, out)
	}
	c.JSON(http.StatusOK, resp)
}

type ProviderResponse struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Edit       bool   `json:"edit"`
}

func (h *handlers) handleProviders(c *gin.Context) {
	descs := h.registry.Descriptors()
	out := make([]ProviderResponse, 0, len(descs))
	for _, d := range descs {
		_, canEdit := d.Capability.(provider.Editor)
		out = append(out, ProviderResponse{Name: d.Name, Configured: d.Configured, Edit: canEdit})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

type HistoryEntry struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Prompt     string    `json:"prompt"`
	Candidates []string  `json:"candidates"`
	Provider   string    `json:"provider,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

func (h *handlers) handleHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := h.history.ListByUser(c.Request.Context(), c.Param("user"), limit)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
		return
	}

	out := make([]HistoryEntry, 0, len(records))
	for _, r := range records {
		out = append(out, HistoryEntry{
			ID:         r.ID,
			Operation:  r.Operation,
			Prompt:     r.Prompt,
			Candidates: r.Candidates,
			Provider:   r.Provider,
			Success:    r.Success,
			Error:      r.Error,
			ImageURL:   r.ImageURL,
			CreatedAt:  r.CreatedAt,
			DurationMS: r.Metadata.DurationMS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}
