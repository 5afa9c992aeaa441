// Package kiosk exposes the scanner station over HTTP for the station browser.
package kiosk

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"schoolattend/internal/auth"
	"schoolattend/internal/checkin"
	"schoolattend/internal/decoder"
	"schoolattend/internal/session"
)

const maxFrameBytes = 4 << 20

type Handler struct {
	ctl      *session.Controller
	feed     *decoder.FeedCamera
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the handler. feed may be nil when frames are not uploaded over HTTP.
func New(ctl *session.Controller, feed *decoder.FeedCamera, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		ctl:  ctl,
		feed: feed,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the session routes on r. The caller installs auth.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/session")
	g.GET("", h.snapshot)
	g.GET("/ws", h.stream)
	g.POST("/refresh", h.refresh)
	g.PUT("/event", h.selectEvent)
	g.POST("/scan", h.scan)
	g.POST("/frame", h.frame)
	g.POST("/camera-error", h.cameraError)
	g.POST("/manual", h.manual)
	g.POST("/camera", h.camera)
	g.POST("/reset", h.reset)
	g.POST("/facing", h.facing)
	g.POST("/torch", h.torch)
}

func (h *Handler) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) refresh(c *gin.Context) {
	if err := h.ctl.Load(c.Request.Context(), auth.From(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) selectEvent(c *gin.Context) {
	var req struct {
		EventID string `json:"event_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.ctl.SelectEvent(c.Request.Context(), auth.From(c), req.EventID)
	if errors.Is(err, session.ErrUnknownEvent) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Warn("select event", zap.String("event_id", req.EventID), zap.Error(err))
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

// scan is manual entry. Failed check-ins are normal results, not HTTP errors.
func (h *Handler) scan(c *gin.Context) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_, err := h.ctl.Submit(c.Request.Context(), auth.From(c), req.Payload)
	if errors.Is(err, session.ErrBusy) || errors.Is(err, session.ErrClosed) || checkin.KindOf(err) == checkin.KindPrecondition {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

// frame accepts one PNG or JPEG camera frame, as a raw body or a multipart "frame" field.
func (h *Handler) frame(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "frame upload not enabled"})
		return
	}
	var src io.Reader = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("frame")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame field required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read frame failed"})
			return
		}
		defer f.Close()
		src = io.LimitReader(f, maxFrameBytes)
	}
	raw, err := io.ReadAll(src)
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frame body required"})
		return
	}
	accepted, err := h.feed.PushEncoded(raw)
	if errors.Is(err, decoder.ErrNotCapturing) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (h *Handler) cameraError(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.ctl.CameraFailed(decoder.FromMediaError(req.Name))
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) manual(c *gin.Context) {
	h.ctl.EnterManual()
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

// camera leaves manual entry. A camera that still fails is reported in the snapshot.
func (h *Handler) camera(c *gin.Context) {
	if err := h.ctl.UseCamera(auth.From(c)); errors.Is(err, session.ErrClosed) {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) reset(c *gin.Context) {
	if err := h.ctl.Reset(auth.From(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) facing(c *gin.Context) {
	if _, err := h.ctl.ToggleFacing(); errors.Is(err, session.ErrNoCamera) {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) torch(c *gin.Context) {
	if _, err := h.ctl.ToggleTorch(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) fail(c *gin.Context, err error) {
	var ce *checkin.Error
	switch {
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": ce.Message()})
	case errors.Is(err, session.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, decoder.ErrTorchUnsupported):
		c.JSON(http.StatusConflict, gin.H{"error": decoder.Message(err)})
	case errors.Is(err, session.ErrNoCamera), errors.Is(err, decoder.ErrNotCapturing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Warn("station request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
