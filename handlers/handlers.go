package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"whalewatch/cluster"
	"whalewatch/config"
	"whalewatch/feed"
	"whalewatch/middleware"
	"whalewatch/monitor"
	"whalewatch/registry"
	"whalewatch/simulator"
	"whalewatch/storage"
)

// Handler handles HTTP requests
type Handler struct {
	cfg       *config.Config
	registry  *registry.Registry
	generator *cluster.Generator
	simulator *simulator.Simulator
	feed      *feed.Client
	store     storage.DataStore
	metrics   *monitor.MetricsStore
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, reg *registry.Registry, gen *cluster.Generator,
	sim *simulator.Simulator, feedClient *feed.Client, store storage.DataStore,
	metrics *monitor.MetricsStore) *Handler {
	return &Handler{
		cfg:       cfg,
		registry:  reg,
		generator: gen,
		simulator: sim,
		feed:      feedClient,
		store:     store,
		metrics:   metrics,
	}
}

// RegisterRoutes wires all endpoints onto the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.Use(middleware.BasicAuth(), middleware.ValidateQueryParams())
	{
		api.GET("/summary", h.GetSummary)
		api.GET("/whales", h.GetWhales)
		api.GET("/whales/:address", middleware.ValidateAddress(), h.GetWhale)
		api.GET("/signals", h.GetSignals)
		api.GET("/simulations/:id", h.GetSimulation)
		api.GET("/rejections", h.GetRejections)
		api.GET("/performance", h.GetPerformance)
		api.POST("/resolve", h.PostResolve)
	}
}

// Health reports liveness plus feed connectivity.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"feed":   h.feed.State(),
	})
}

// GetSummary returns the latest published operational summary.
func (h *Handler) GetSummary(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{
			"tracked_whales":      h.registry.Size(),
			"active_clusters":     h.generator.ActiveClusters(),
			"pending_simulations": h.simulator.PendingCount(),
			"feed_state":          h.feed.State(),
		})
		return
	}

	snap, err := h.metrics.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no summary published yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetWhales returns tracked whales sorted by confidence, highest first.
func (h *Handler) GetWhales(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	whales := h.registry.Snapshot()
	sort.Slice(whales, func(i, j int) bool {
		if whales[i].Confidence != whales[j].Confidence {
			return whales[i].Confidence > whales[j].Confidence
		}
		return whales[i].Address < whales[j].Address
	})
	if len(whales) > limit {
		whales = whales[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"whales": whales,
		"count":  len(whales),
	})
}

// GetWhale returns one tracked whale by address.
func (h *Handler) GetWhale(c *gin.Context) {
	address := c.GetString("validatedAddress")
	if address == "" {
		address = c.Param("address")
	}

	rec, ok := h.registry.Get(address)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "whale not tracked"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetSignals returns recent signals, newest first.
func (h *Handler) GetSignals(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	signals, err := h.store.ListSignals(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"count":   len(signals),
	})
}

// GetSimulation returns one simulation record by id.
func (h *Handler) GetSimulation(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "simulation ID required"})
		return
	}

	rec, err := h.store.GetSimulation(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load simulation"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "simulation not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetRejections returns the per-reason rejection counters.
func (h *Handler) GetRejections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rejections": h.generator.RejectionCounts(),
		"emitted":    h.generator.EmittedCount(),
	})
}

// GetPerformance evaluates whale performance over one market's resolved
// simulations.
func (h *Handler) GetPerformance(c *gin.Context) {
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market parameter required"})
		return
	}

	minResolved := 1
	if s := c.Query("min_resolved"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			minResolved = v
		}
	}

	records, err := h.store.ListSimulationsByMarket(c.Request.Context(), market)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load simulations"})
		return
	}

	perfs := simulator.Evaluate(records)
	top := simulator.TopWhales(perfs, 50, minResolved)
	c.JSON(http.StatusOK, gin.H{
		"market": market,
		"whales": top,
		"count":  len(top),
	})
}

type resolveRequest struct {
	Market string  `json:"market" binding:"required"`
	Price  float64 `json:"price"`
}

// PostResolve applies a market resolution to its simulations.
func (h *Handler) PostResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market and price required"})
		return
	}
	if req.Price < 0 || req.Price > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price must be between 0 and 1"})
		return
	}

	resolved, err := h.simulator.Resolve(c.Request.Context(), req.Market, req.Price, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve market"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"market":   req.Market,
		"price":    req.Price,
		"resolved": resolved,
	})
}
