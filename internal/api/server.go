package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reportsched/internal/auth"
	"github.com/reportsched/internal/database"
	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/scheduler"
)

type Server struct {
	manager  *scheduler.Manager
	poller   *scheduler.Poller
	executor *scheduler.Executor
	users    *database.UserStore
	issuer   *auth.Issuer
	clock    scheduler.Clock
	log      *zap.SugaredLogger
	router   *gin.Engine

	mu   sync.Mutex
	http *http.Server
}

type Deps struct {
	Manager  *scheduler.Manager
	Poller   *scheduler.Poller
	Executor *scheduler.Executor
	Users    *database.UserStore
	Issuer   *auth.Issuer
	Clock    scheduler.Clock
}

func NewServer(deps Deps, log *zap.SugaredLogger) *Server {
	server := &Server{
		manager:  deps.Manager,
		poller:   deps.Poller,
		executor: deps.Executor,
		users:    deps.Users,
		issuer:   deps.Issuer,
		clock:    deps.Clock,
		log:      logging.Named(log, "api"),
		router:   gin.New(),
	}
	server.router.Use(gin.Recovery(), server.requestLogger())

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Public routes
	s.router.POST("/api/v1/auth/login", s.login)

	// Protected routes (require authentication)
	api := s.router.Group("/api/v1")
	api.Use(auth.AuthMiddleware(s.users, s.issuer))

	schedules := api.Group("/schedules")
	{
		schedules.POST("", s.createSchedule)
		schedules.GET("", s.listSchedules)
		schedules.GET("/due", auth.RequireRole(models.RoleAdmin), s.listDue)
		schedules.GET("/:id", s.getSchedule)
		schedules.PUT("/:id", s.editSchedule)
		schedules.DELETE("/:id", s.deleteSchedule)
		schedules.PUT("/:id/enable", s.enableSchedule)
		schedules.PUT("/:id/disable", s.disableSchedule)
		schedules.GET("/:id/executions", s.listExecutions)
		schedules.POST("/:id/execute", auth.RequireRole(models.RoleAdmin), s.executeSchedule)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on port until Shutdown is called.
func (s *Server) Start(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Infow("API listening", logging.FieldAddress, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("Request",
			logging.FieldMethod, c.Request.Method,
			logging.FieldPath, c.FullPath(),
			logging.FieldStatus, c.Writer.Status(),
			logging.FieldDurationMS, time.Since(start).Milliseconds())
	}
}

// respondError maps an error to its HTTP status.
func (s *Server) respondError(c *gin.Context, err error) {
	var v *errors.ValidationError
	switch {
	case errors.As(err, &v):
		c.JSON(http.StatusBadRequest, gin.H{"error": v.Error(), "fields": v.Fields})
	case errors.Is(err, errors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
	case errors.Is(err, errors.ErrStorageUnavailable):
		s.log.Warnw("Storage unavailable", logging.FieldPath, c.FullPath(), logging.FieldError, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		s.log.Errorw("Request failed", logging.FieldPath, c.FullPath(), logging.FieldError, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) login(c *gin.Context) {
	var loginReq struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&loginReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.users.FindByUsername(c.Request.Context(), loginReq.Username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		s.respondError(c, err)
		return
	}

	if !user.IsActive || !user.CheckPassword(loginReq.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.issuer.GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

type scheduleBody struct {
	TemplateID uint   `json:"template_id"`
	Name       string `json:"name"`
	scheduler.Config
}

func (s *Server) createSchedule(c *gin.Context) {
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := s.manager.Create(c.Request.Context(), scheduler.CreateRequest{
		UserID:     auth.CurrentUser(c).ID,
		TemplateID: body.TemplateID,
		Name:       body.Name,
		Config:     body.Config,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) listSchedules(c *gin.Context) {
	user := auth.CurrentUser(c)
	ownerID := user.ID
	if user.IsAdmin() {
		ownerID = 0
		if raw := c.Query("user_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
				return
			}
			ownerID = uint(id)
		}
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	scheds, total, err := s.manager.ListForUser(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": scheds, "total": total})
}

// loadOwned fetches the schedule named by :id and hides it from users that
// do not own it.
func (s *Server) loadOwned(c *gin.Context) (*models.ReportSchedule, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule ID"})
		return nil, false
	}

	sched, err := s.manager.Get(c.Request.Context(), uint(id))
	if err == nil && !auth.CurrentUser(c).CanAccess(sched.UserID) {
		err = errors.ErrNotFound
	}
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return sched, true
}

func (s *Server) getSchedule(c *gin.Context) {
	sched, ok := s.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) editSchedule(c *gin.Context) {
	sched, ok := s.loadOwned(c)
	if !ok {
		return
	}

	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	edited, err := s.manager.Edit(c.Request.Context(), sched.ID, scheduler.EditRequest{
		TemplateID: body.TemplateID,
		Name:       body.Name,
		Config:     body.Config,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, edited)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	sched, ok := s.loadOwned(c)
	if !ok {
		return
	}
	if err := s.manager.SoftDelete(c.Request.Context(), sched.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) enableSchedule(c *gin.Context) {
	s.setEnabled(c, true)
}

func (s *Server) disableSchedule(c *gin.Context) {
	s.setEnabled(c, false)
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	sched, ok := s.loadOwned(c)
	if !ok {
		return
	}
	updated, err := s.manager.SetEnabled(c.Request.Context(), sched.ID, enabled)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) listExecutions(c *gin.Context) {
	sched, ok := s.loadOwned(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	execs, err := s.manager.History(c.Request.Context(), sched.ID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) listDue(c *gin.Context) {
	at := s.clock.Now()
	if raw := c.Query("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "at must be an RFC 3339 timestamp"})
			return
		}
		at = t
	}

	due, err := s.poller.ListDue(c.Request.Context(), at)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, due)
}

func (s *Server) executeSchedule(c *gin.Context) {
	sched, ok := s.loadOwned(c)
	if !ok {
		return
	}
	out, err := s.executor.Execute(c.Request.Context(), sched.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
