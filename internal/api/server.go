// Package api HTTP обёртка над сервисом затирания.
package api

import (
	"context"
	"errors"
	"net/http"

	cerr "github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wipeengine/internal/certificate"
	"wipeengine/internal/reporting"
	"wipeengine/internal/security"
	"wipeengine/internal/service"
	"wipeengine/internal/wipe"
)

// JobService операции сервиса, доступные по HTTP
type JobService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*wipe.Job, error)
	Get(ctx context.Context, id uuid.UUID) (wipe.JobRecord, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	IssueCertificate(ctx context.Context, id uuid.UUID) (*certificate.Certificate, error)
	Certificates(ctx context.Context, id uuid.UUID) ([]certificate.Certificate, error)
	History(ctx context.Context) ([]wipe.JobRecord, error)
	Stats(ctx context.Context) (reporting.Stats, error)
}

type Server struct {
	svc JobService
	r   *gin.Engine
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type standardResponse struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Passes         []wipe.PassSpec `json:"passes"`
	VerifiedPasses int             `json:"verified_passes"`
}

type jobResponse struct {
	State  wipe.JobState  `json:"state"`
	Record wipe.JobRecord `json:"record"`
}

type certificateResponse struct {
	Certificate *certificate.Certificate `json:"certificate"`
	Document    string                   `json:"document"`
}

func NewServer(svc JobService) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{svc: svc, r: r}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	s.r.GET("/standards", s.handleStandards)
	s.r.POST("/jobs", s.handleSubmit)
	s.r.GET("/jobs/:id", s.handleGetJob)
	s.r.POST("/jobs/:id/cancel", s.handleCancel)
	s.r.POST("/jobs/:id/certificate", s.handleIssueCertificate)
	s.r.GET("/jobs/:id/certificates", s.handleListCertificates)
	s.r.GET("/history", s.handleHistory)
	s.r.GET("/stats", s.handleStats)
	s.r.NoRoute(s.handleNoRoute)
}

// Handler http.Handler для http.Server и тестов
func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStandards(c *gin.Context) {
	all := wipe.Standards()
	out := make([]standardResponse, 0, len(all))
	for _, std := range all {
		out = append(out, standardResponse{
			Name:           std.Name,
			Description:    std.Description,
			Passes:         std.Passes,
			VerifiedPasses: std.VerifiedPasses(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	job, err := s.svc.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	rec := job.Snapshot()
	c.JSON(http.StatusAccepted, jobResponse{State: rec.State(), Record: rec})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rec, err := s.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobResponse{State: rec.State(), Record: rec})
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.svc.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handleIssueCertificate(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	cert, err := s.svc.IssueCertificate(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	doc, err := certificate.Render(cert)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, certificateResponse{Certificate: cert, Document: string(doc)})
}

func (s *Server) handleListCertificates(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.svc.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	certs, err := s.svc.Certificates(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if certs == nil {
		certs = []certificate.Certificate{}
	}
	c.JSON(http.StatusOK, certs)
}

func (s *Server) handleHistory(c *gin.Context) {
	records, err := s.svc.History(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []wipe.JobRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ID", "job id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case cerr.Is(err, wipe.ErrInvalidJob):
		status, code = http.StatusBadRequest, wipe.CodeInvalidJob
	case cerr.Is(err, wipe.ErrInvalidTarget):
		status, code = http.StatusBadRequest, wipe.CodeInvalidTarget
	case cerr.Is(err, security.ErrProtectedTarget):
		status, code = http.StatusBadRequest, "ProtectedTarget"
	case cerr.Is(err, service.ErrNotFound):
		status, code = http.StatusNotFound, "NotFound"
	case cerr.Is(err, certificate.ErrNotFinished):
		status, code = http.StatusConflict, "NotFinished"
	case cerr.Is(err, service.ErrClosed):
		status, code = http.StatusServiceUnavailable, "Closed"
	case cerr.Is(err, certificate.ErrPolicyDenied):
		code = "PolicyDenied"
	case cerr.Is(err, certificate.ErrSigning):
		code = "SigningFailed"
	case cerr.Is(err, service.ErrNotPersisted):
		code = "NotPersisted"
	case errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "Cancelled"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
