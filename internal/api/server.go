// Package api exposes the core over HTTP for the UI layer and devtools.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/burggraf/iiv25-sub003/internal/cache"
	"github.com/burggraf/iiv25-sub003/internal/camera"
	"github.com/burggraf/iiv25-sub003/internal/history"
	"github.com/burggraf/iiv25-sub003/internal/observability"
	"github.com/burggraf/iiv25-sub003/internal/queue"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

type Server struct {
	router  *gin.Engine
	queue   *queue.Queue
	cache   *cache.ProductCache
	history *history.Log
	camera  *camera.Arbiter
	hub     *EventHub
}

func NewServer(q *queue.Queue, pc *cache.ProductCache, hl *history.Log, arb *camera.Arbiter) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		router:  r,
		queue:   q,
		cache:   pc,
		history: hl,
		camera:  arb,
		hub:     NewEventHub(),
	}

	r.GET("/healthz", s.handleHealth)
	r.GET("/v1/metrics", s.handleMetrics)
	r.GET("/v1/metrics/prometheus", s.handleMetricsPrometheus)

	r.POST("/v1/jobs", s.handleEnqueueJob)
	r.GET("/v1/jobs", s.handleListJobs)
	r.GET("/v1/jobs/:id", s.handleGetJob)
	r.DELETE("/v1/jobs", s.handleClearJobs)

	r.GET("/v1/products/:barcode", s.handleGetProduct)

	r.GET("/v1/history", s.handleGetHistory)
	r.POST("/v1/history", s.handleAddHistory)
	r.DELETE("/v1/history", s.handleClearHistory)
	r.POST("/v1/history/:barcode/viewed", s.handleMarkViewed)
	r.GET("/v1/history/new-count", s.handleNewCount)

	r.POST("/v1/camera/mode", s.handleSwitchMode)
	r.GET("/v1/camera/state", s.handleCameraState)
	r.GET("/v1/camera/ready", s.handleCameraReady)
	r.POST("/v1/camera/focus", s.handleFocus)
	r.POST("/v1/camera/photo", s.handleTakePhoto)

	r.GET("/v1/events", s.handleEvents)

	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.router }

// PublishJobEvent forwards a queue event to connected websocket clients.
// Registered as a queue subscriber by the bootstrap layer.
func (s *Server) PublishJobEvent(event scanapi.JobEvent, job *scanapi.Job) {
	s.hub.Broadcast(eventMessage{Event: event, Job: job})
}

// Close drops all websocket clients.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleEnqueueJob(c *gin.Context) {
	var spec scanapi.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.queue.Enqueue(c.Request.Context(), spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":   s.queue.ActiveJobs(),
		"finished": s.queue.FinishedJobs(),
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.queue.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleClearJobs(c *gin.Context) {
	s.queue.ClearJobs()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetProduct(c *gin.Context) {
	product, ok := s.cache.GetProduct(c.Param("barcode"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not cached"})
		return
	}
	c.JSON(http.StatusOK, product)
}

func (s *Server) handleGetHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.history.Items())
}

type addHistoryRequest struct {
	Product scanapi.Product `json:"product"`
	IsNew   bool            `json:"is_new"`
}

func (s *Server) handleAddHistory(c *gin.Context) {
	var req addHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Product.Barcode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product.barcode is required"})
		return
	}
	s.history.Add(req.Product, req.IsNew)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearHistory(c *gin.Context) {
	s.history.Clear()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMarkViewed(c *gin.Context) {
	s.history.MarkAsViewed(c.Param("barcode"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNewCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": s.history.NewItemsCount()})
}

type switchModeRequest struct {
	Mode   scanapi.CameraMode   `json:"mode"`
	Config scanapi.CameraConfig `json:"config"`
	Owner  string               `json:"owner"`
}

func (s *Server) handleSwitchMode(c *gin.Context) {
	var req switchModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}
	granted := s.camera.SwitchToMode(req.Mode, req.Config, req.Owner)
	c.JSON(http.StatusOK, gin.H{"granted": granted})
}

func (s *Server) handleCameraState(c *gin.Context) {
	ownership, config := s.camera.State()
	c.JSON(http.StatusOK, gin.H{"ownership": ownership, "config": config})
}

func (s *Server) handleCameraReady(c *gin.Context) {
	op := scanapi.CameraOperation(c.Query("operation"))
	if op != scanapi.OperationBarcode && op != scanapi.OperationPhoto {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation must be barcode or photo"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": s.camera.IsReadyFor(op)})
}

type focusRequest struct {
	Owner string  `json:"owner"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

func (s *Server) handleFocus(c *gin.Context) {
	var req focusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.camera.FocusAtPoint(req.Owner, req.X, req.Y); err != nil {
		c.JSON(cameraErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type takePhotoRequest struct {
	Owner string `json:"owner"`
}

func (s *Server) handleTakePhoto(c *gin.Context) {
	var req takePhotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uri, err := s.camera.TakePhoto(c.Request.Context(), req.Owner)
	if err != nil {
		c.JSON(cameraErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uri": uri})
}

func cameraErrorStatus(err error) int {
	if errors.Is(err, camera.ErrNotOwner) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
