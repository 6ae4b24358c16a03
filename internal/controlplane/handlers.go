package controlplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/denisbrodbeck/machineid"
	"github.com/gin-gonic/gin"
	"github.com/openmined/tinifyd/internal/blobstore"
	"github.com/openmined/tinifyd/internal/lease"
	"github.com/openmined/tinifyd/internal/optimizer"
	"github.com/openmined/tinifyd/internal/version"
	"github.com/openmined/tinifyd/internal/xerrors"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	eventsBuffer = 64
	writeTimeout = 10 * time.Second
)

type OptimizeRequest struct {
	Path string `json:"path" binding:"required"`
}

type OptimizeResponse struct {
	optimizer.Result
	Error string `json:"error,omitempty"`
}

type PoolStatus struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
}

type ProcessStatus struct {
	PID        int32   `json:"pid"`
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
	NumThreads int32   `json:"num_threads"`
	Uptime     string  `json:"uptime"`
}

type StatusResponse struct {
	Version  string          `json:"version"`
	Instance string          `json:"instance"`
	Source   string          `json:"source"`
	Blobs    blobstore.Stats `json:"blobs"`
	Leases   int             `json:"leases"`
	Pool     *PoolStatus     `json:"pool,omitempty"`
	Process  *ProcessStatus  `json:"process,omitempty"`
}

type handler struct {
	deps     *Deps
	started  time.Time
	instance string
}

func newHandler(deps *Deps) *handler {
	id, err := machineid.ProtectedID("tinifyd")
	if err != nil {
		slog.Debug("machine id unavailable", "error", err)
		id = "unknown"
	}
	return &handler{deps: deps, started: time.Now(), instance: id}
}

func (h *handler) Index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": version.AppName, "version": version.Detailed()})
}

func (h *handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.deps.Blobs.Stats(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	leases, err := h.deps.Leases.List(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	res := StatusResponse{
		Version:  version.Short(),
		Instance: h.instance,
		Source:   h.deps.Optimizer.SourceDir(),
		Blobs:    stats,
		Leases:   len(leases),
		Process:  h.process(ctx),
	}
	if h.deps.Pool != nil {
		res.Pool = &PoolStatus{
			Queued:   h.deps.Pool.Size(),
			Running:  h.deps.Pool.Running(),
			Capacity: h.deps.Pool.Capacity(),
		}
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) process(ctx context.Context) *ProcessStatus {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil
	}

	st := &ProcessStatus{PID: p.Pid, Uptime: time.Since(h.started).Round(time.Second).String()}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		st.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	return st
}

func (h *handler) Leases(c *gin.Context) {
	leases, err := h.deps.Leases.List(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if leases == nil {
		leases = []lease.Lease{}
	}
	c.JSON(http.StatusOK, leases)
}

func (h *handler) Optimize(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.deps.Optimizer.Process(c.Request.Context(), req.Path)
	if err == nil {
		c.JSON(http.StatusOK, OptimizeResponse{Result: res})
		return
	}

	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalidType:
		status = http.StatusUnprocessableEntity
	case xerrors.KindUnexpectedValue:
		status = http.StatusBadRequest
	}
	c.JSON(status, OptimizeResponse{Result: res, Error: err.Error()})
}

func (h *handler) Sweep(c *gin.Context) {
	report, err := h.deps.Optimizer.Sweep(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) GC(c *gin.Context) {
	if h.deps.Sweeper == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "gc disabled"})
		return
	}
	n, err := h.deps.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "deleted": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// Events streams every finished pipeline run over a websocket.
func (h *handler) Events(c *gin.Context) {
	if h.deps.Results == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "events disabled"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	results, unsubscribe := h.deps.Results.Subscribe(eventsBuffer)
	defer unsubscribe()

	// nothing is read, CloseRead cancels ctx once the peer goes away
	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, res)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("events write", "error", err)
				}
				return
			}
		}
	}
}
