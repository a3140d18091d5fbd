package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/commands"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/search"
)

const defaultLimit = 100

// AppendEventRequest is the body of the append boundary
type AppendEventRequest struct {
	StreamID        string            `json:"stream_id" binding:"required"`
	StreamType      domain.StreamType `json:"stream_type" binding:"required"`
	EventType       string            `json:"event_type" binding:"required"`
	Data            json.RawMessage   `json:"event_data"`
	ExpectedVersion *int              `json:"expected_version"`
	Reason          string            `json:"reason"`
}

// ReasonRequest carries the optional reason of a state change
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func limitOf(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return limit
}

// bindReason accepts an empty body
func bindReason(c *gin.Context) string {
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req.Reason
}

func (s *Server) appendEvent(c *gin.Context) {
	txn := s.deps.Tracer.StartTransaction("api-append-event")
	defer s.deps.Tracer.EndTransaction(txn)

	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	md, _ := domain.MetadataFromContext(c.Request.Context())
	md.Reason = req.Reason
	s.deps.Tracer.AddCorrelation(txn, md)
	s.deps.Tracer.AddAttribute(txn, "event_type", req.EventType)

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}
	res, err := s.deps.Commands.HandleAppendEvent(c.Request.Context(), domain.NewEvent{
		StreamID:        req.StreamID,
		StreamType:      req.StreamType,
		EventType:       req.EventType,
		Data:            data,
		Metadata:        md,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.deps.Tracer.RecordError(txn, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) getEvent(c *gin.Context) {
	evt, err := s.deps.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, evt)
}

func (s *Server) listFailedEvents(c *gin.Context) {
	events, err := s.deps.Store.ListFailed(c.Request.Context(), limitOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) reprocessEvent(c *gin.Context) {
	res, err := s.deps.Store.Reprocess(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reprocessFailedEvents(c *gin.Context) {
	report, err := s.deps.Store.ReprocessFailed(c.Request.Context(), limitOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getStream(c *gin.Context) {
	events, err := s.deps.Store.Stream(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": c.Param("id"), "events": events})
}

func (s *Server) getCorrelation(c *gin.Context) {
	events, err := s.deps.Store.ByCorrelation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"correlation_id": c.Param("id"), "events": events})
}

func (s *Server) getTrace(c *gin.Context) {
	spans, err := s.deps.Store.ByTrace(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trace_id": c.Param("id"), "spans": spans})
}

func (s *Server) searchEvents(c *gin.Context) {
	if s.deps.Indexer == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: "search is disabled", Code: CodeUnavailable})
		return
	}
	failed, _ := strconv.ParseBool(c.Query("failed"))
	docs, err := s.deps.Indexer.Search(c.Request.Context(), search.Query{
		CorrelationID: c.Query("correlation_id"),
		StreamID:      c.Query("stream_id"),
		EventType:     c.Query("event_type"),
		Actor:         c.Query("actor"),
		FailedOnly:    failed,
		Size:          limitOf(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": docs})
}

func (s *Server) initiateBootstrap(c *gin.Context) {
	txn := s.deps.Tracer.StartTransaction("api-initiate-bootstrap")
	defer s.deps.Tracer.EndTransaction(txn)

	var cmd commands.InitiateBootstrapCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, err)
		return
	}
	accepted, err := s.deps.Commands.HandleInitiateBootstrap(c.Request.Context(), cmd)
	if err != nil {
		s.deps.Tracer.RecordError(txn, err)
		writeError(c, err)
		return
	}
	s.deps.Tracer.AddAttribute(txn, "organization_id", accepted.OrganizationID)
	c.JSON(http.StatusAccepted, accepted)
}

func (s *Server) getOrganization(c *gin.Context) {
	org, err := s.deps.Commands.GetOrganization(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, org)
}

func (s *Server) listOrganizationUnits(c *gin.Context) {
	units, err := s.deps.Commands.ListOrganizationUnits(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": units})
}

func (s *Server) getOrganizationUnit(c *gin.Context) {
	unit, err := s.deps.Commands.GetOrganizationUnit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) deactivateOrganization(c *gin.Context) {
	org, err := s.deps.Commands.HandleDeactivateOrganization(c.Request.Context(), c.Param("id"), bindReason(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, org)
}

func (s *Server) createOrganizationUnit(c *gin.Context) {
	var cmd commands.CreateOrganizationUnitCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, err)
		return
	}
	unit, err := s.deps.Commands.HandleCreateOrganizationUnit(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, unit)
}

func (s *Server) deactivateOrganizationUnit(c *gin.Context) {
	unit, err := s.deps.Commands.HandleDeactivateOrganizationUnit(c.Request.Context(), c.Param("id"), bindReason(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) deleteOrganizationUnit(c *gin.Context) {
	unit, err := s.deps.Commands.HandleDeleteOrganizationUnit(c.Request.Context(), c.Param("id"), c.Query("reason"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func (s *Server) assignRole(c *gin.Context) {
	var cmd commands.AssignRoleCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, err)
		return
	}
	assignment, err := s.deps.Commands.HandleAssignRole(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

func (s *Server) revokeInvitation(c *gin.Context) {
	inv, err := s.deps.Commands.HandleRevokeInvitation(c.Request.Context(), c.Param("id"), bindReason(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) linkEntities(c *gin.Context) {
	s.link(c, true)
}

func (s *Server) unlinkEntities(c *gin.Context) {
	s.link(c, false)
}

func (s *Server) link(c *gin.Context, linked bool) {
	var cmd commands.LinkEntitiesCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, err)
		return
	}
	link, err := s.deps.Commands.HandleLinkEntities(c.Request.Context(), cmd, linked)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.deps.Queue.List(c.Request.Context(), c.Query("status"), limitOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// workflowsEnabled answers 503 on processes that run no engine
func (s *Server) workflowsEnabled(c *gin.Context) bool {
	if s.deps.Engine == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: "workflows run in the worker process", Code: CodeUnavailable})
		return false
	}
	return true
}

func (s *Server) listWorkflows(c *gin.Context) {
	if !s.workflowsEnabled(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": s.deps.Engine.List()})
}

func (s *Server) getWorkflow(c *gin.Context) {
	if !s.workflowsEnabled(c) {
		return
	}
	status, err := s.deps.Engine.Query(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) signalWorkflow(c *gin.Context) {
	if !s.workflowsEnabled(c) {
		return
	}
	var payload json.RawMessage
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := s.deps.Engine.Signal(c.Param("id"), c.Param("name"), payload); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": c.Param("id"), "signal": c.Param("name")})
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	if !s.workflowsEnabled(c) {
		return
	}
	if err := s.deps.Engine.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": c.Param("id"), "cancelled": true})
}

func (s *Server) getMetrics(c *gin.Context) {
	collector := metrics.Get()
	collector.SetGauge("goroutines", float64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, collector.GetMetrics())
}

func (s *Server) getHealth(c *gin.Context) {
	health := metrics.Get().GetHealthStatus()
	status := http.StatusOK
	if healthy, _ := health["healthy"].(bool); !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}
