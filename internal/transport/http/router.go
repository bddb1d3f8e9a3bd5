package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"quizsync/internal/app"
	"quizsync/internal/domain"
)

// Body is the envelope of every REST response.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	QuizID string `json:"quizId" binding:"required"`
}

// SubmissionAccepted is returned by POST /api/pins/:pin/submissions.
type SubmissionAccepted struct {
	ParticipantID int64 `json:"participantId"`
}

// NewRouter wires the REST API, the WebSocket endpoint, health and metrics.
func NewRouter(service *app.SessionService, ws *WSHandler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gin.WrapF(ws.ServeWS))

	h := &restHandler{service: service}
	api := router.Group("/api")
	{
		api.POST("/sessions", h.createSession)
		api.GET("/sessions/:id", h.session)
		api.POST("/sessions/:id/start", h.startSession)
		api.GET("/sessions/:id/results", h.results)
		api.GET("/pins/:pin/questions", h.questions)
		api.POST("/pins/:pin/submissions", h.submit)
	}
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		logger.Debug("request",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

type restHandler struct {
	service *app.SessionService
}

func (h *restHandler) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	info, err := h.service.CreateSession(c.Request.Context(), req.QuizID)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, Body{Success: true, Data: info})
}

func (h *restHandler) session(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	info, err := h.service.Session(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Body{Success: true, Data: info})
}

func (h *restHandler) startSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	info, err := h.service.StartSession(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Body{Success: true, Data: info})
}

func (h *restHandler) results(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	results, err := h.service.Results(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Body{Success: true, Data: results})
}

func (h *restHandler) questions(c *gin.Context) {
	questions, err := h.service.Questions(c.Request.Context(), c.Param("pin"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, Body{Success: true, Data: questions})
}

func (h *restHandler) submit(c *gin.Context) {
	var batch domain.BatchSubmission
	if err := c.ShouldBindJSON(&batch); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	id, err := h.service.SubmitSurvey(c.Request.Context(), c.Param("pin"), batch)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, Body{Success: true, Data: SubmissionAccepted{ParticipantID: id}})
}

func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Body{Success: false, Error: msg})
}

func failErr(c *gin.Context, err error) {
	fail(c, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrQuizNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrSessionEnded),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrProtocol),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrAnswerNotFound),
		errors.Is(err, domain.ErrAlreadyAnswered),
		errors.Is(err, domain.ErrNameRequired):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
