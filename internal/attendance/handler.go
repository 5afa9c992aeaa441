package attendance

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"schoolattend/internal/auth"
	"schoolattend/internal/badge"
	"schoolattend/internal/cloudinary"
	"schoolattend/internal/model"
)

// BadgeUploader hosts rendered badges.
type BadgeUploader interface {
	UploadImage(ctx context.Context, data []byte, publicID string) (*cloudinary.UploadResult, error)
}

// Handler exposes the attendance service over HTTP.
type Handler struct {
	svc    *Service
	badges BadgeUploader
	log    *zap.Logger
}

// NewHandler builds the HTTP surface. badges may be nil.
func NewHandler(svc *Service, badges BadgeUploader, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, badges: badges, log: log}
}

var (
	scanRoles  = []string{auth.RoleMainAdmin, auth.RoleDistrictAdmin, auth.RoleSchoolAdmin, auth.RoleTeacher}
	staffRoles = []string{auth.RoleMainAdmin, auth.RoleDistrictAdmin, auth.RoleSchoolAdmin}
)

// RegisterRoutes mounts every route behind HS256 bearer auth.
func (h *Handler) RegisterRoutes(r gin.IRouter, signingKey, issuer string) {
	g := r.Group("", auth.RequireBearer(signingKey, issuer))
	scan := g.Group("", auth.RequireRole(scanRoles...))
	staff := g.Group("", auth.RequireRole(staffRoles...))

	scan.GET("/events/active", h.activeEvents)
	staff.GET("/events", h.listEvents)
	staff.POST("/events", h.createEvent)
	staff.PUT("/events/:id", h.updateEvent)
	staff.PUT("/events/:id/active", h.setEventActive)

	scan.GET("/students/by-qr/*payload", h.studentByQR)
	staff.POST("/students", h.createStudent)
	staff.GET("/students/:id/badge.png", h.badgePNG)
	staff.POST("/students/:id/badge", h.uploadBadge)

	scan.GET("/attendance/exists", h.attendanceExists)
	scan.POST("/attendance", h.recordAttendance)
	scan.GET("/attendance/event/:name", h.roster)
	scan.GET("/attendance/event/:name/count", h.countToday)
	staff.DELETE("/attendance/:id", h.deleteAttendance)
	staff.DELETE("/attendance/event/:name", h.deleteEventAttendance)
}

// schoolScope returns the school a caller is limited to. Main and district
// admins may pick one with ?school_id, or see everything.
func schoolScope(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	switch claims.Role {
	case auth.RoleMainAdmin, auth.RoleDistrictAdmin:
		return c.Query("school_id")
	}
	return claims.SchoolID
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := toHTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	code := CodeInternal
	var api *APIError
	if errors.As(err, &api) {
		code = api.Code
	}
	c.JSON(status, gin.H{"error": errorMessage(err), "code": code})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.fail(c, ErrInvalid(err.Error()))
}

// scopedEvent loads an event the caller may manage.
func (h *Handler) scopedEvent(c *gin.Context) (model.Event, bool) {
	ev, err := h.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err == nil {
		if scope := schoolScope(c); scope != "" && ev.SchoolID != scope {
			err = ErrNotFound("event not found")
		}
	}
	if err != nil {
		h.fail(c, err)
		return model.Event{}, false
	}
	return ev, true
}

func (h *Handler) activeEvents(c *gin.Context) {
	events, err := h.svc.ActiveEvents(c.Request.Context(), schoolScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) listEvents(c *gin.Context) {
	events, err := h.svc.ListEvents(c.Request.Context(), schoolScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) createEvent(c *gin.Context) {
	var in model.Event
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	if scope := schoolScope(c); scope != "" {
		in.SchoolID = scope
	}
	ev, err := h.svc.CreateEvent(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handler) updateEvent(c *gin.Context) {
	if _, ok := h.scopedEvent(c); !ok {
		return
	}
	var in model.Event
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	ev, err := h.svc.UpdateEvent(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) setEventActive(c *gin.Context) {
	if _, ok := h.scopedEvent(c); !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"is_active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	ev, deleted, err := h.svc.SetEventActive(c.Request.Context(), c.Param("id"), *req.IsActive)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev, "attendance_deleted": deleted})
}

func (h *Handler) studentByQR(c *gin.Context) {
	payload := strings.TrimPrefix(c.Param("payload"), "/")
	if payload == "" {
		h.fail(c, ErrInvalid("qr payload is required"))
		return
	}
	st, err := h.svc.StudentByQR(c.Request.Context(), payload)
	if err == nil {
		if scope := schoolScope(c); scope != "" && st.SchoolID != scope {
			err = ErrNotFound("student not found")
		}
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) createStudent(c *gin.Context) {
	var in model.Student
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	if scope := schoolScope(c); scope != "" {
		in.SchoolID = scope
	}
	st, err := h.svc.CreateStudent(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// renderBadge loads a student the caller may see and renders their QR code.
func (h *Handler) renderBadge(c *gin.Context) (model.Student, []byte, bool) {
	st, err := h.svc.GetStudent(c.Request.Context(), c.Param("id"))
	if err == nil {
		if scope := schoolScope(c); scope != "" && st.SchoolID != scope {
			err = ErrNotFound("student not found")
		}
	}
	if err != nil {
		h.fail(c, err)
		return model.Student{}, nil, false
	}
	png, err := badge.PNG(st.QRCode, badge.DefaultSize)
	if err != nil {
		h.fail(c, err)
		return model.Student{}, nil, false
	}
	return st, png, true
}

func (h *Handler) badgePNG(c *gin.Context) {
	_, png, ok := h.renderBadge(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) uploadBadge(c *gin.Context) {
	if h.badges == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	st, png, ok := h.renderBadge(c)
	if !ok {
		return
	}
	res, err := h.badges.UploadImage(c.Request.Context(), png, "student-"+st.ID)
	if err != nil {
		h.log.Error("badge upload failed", zap.String("student", st.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": res.SecureURL, "public_id": res.PublicID})
}

func (h *Handler) attendanceExists(c *gin.Context) {
	exists, err := h.svc.AttendanceExists(c.Request.Context(), c.Query("student_id"), c.Query("event_name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

func (h *Handler) recordAttendance(c *gin.Context) {
	var in model.NewAttendance
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, err)
		return
	}
	rec, err := h.svc.RecordAttendance(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) roster(c *gin.Context) {
	records, err := h.svc.RosterByEvent(c.Request.Context(), c.Param("name"), schoolScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) countToday(c *gin.Context) {
	name := c.Param("name")
	n, err := h.svc.CountToday(c.Request.Context(), name, schoolScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_name": name, "count": n})
}

func (h *Handler) deleteAttendance(c *gin.Context) {
	if err := h.svc.DeleteAttendance(c.Request.Context(), c.Param("id"), schoolScope(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteEventAttendance(c *gin.Context) {
	n, err := h.svc.DeleteEventAttendance(c.Request.Context(), c.Param("name"), schoolScope(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
