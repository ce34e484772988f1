package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/portalstats-lab/portalstats/internal/core/aggr"
	apierrors "github.com/portalstats-lab/portalstats/internal/core/errors"
	"github.com/portalstats-lab/portalstats/internal/core/interval"
	"github.com/portalstats-lab/portalstats/internal/core/storage"
	"github.com/portalstats-lab/portalstats/internal/engine"
	"github.com/portalstats-lab/portalstats/internal/groups"
)

// API exposes the engine's externally triggerable operations and the
// aggregation query surface to the external scheduler and reporting tools.
type API struct {
	engine *engine.Engine
	store  storage.AggregationStore
	groups *groups.Mapper
}

// NewAPI wires the handlers over their collaborators.
func NewAPI(eng *engine.Engine, store storage.AggregationStore, mapper *groups.Mapper) *API {
	return &API{engine: eng, store: store, groups: mapper}
}

// RegisterRoutes attaches the API to a gin engine.
func (a *API) RegisterRoutes(r *gin.Engine) {
	jobs := r.Group("/v1/jobs")
	jobs.POST("/aggregate", a.triggerAggregate)
	jobs.POST("/populate-date-dimensions", a.triggerPopulateDates)
	jobs.POST("/populate-time-dimensions", a.triggerPopulateTimes)

	r.GET("/v1/status", a.getStatus)
	r.GET("/v1/aggregations", a.queryAggregations)
}

func (a *API) triggerAggregate(c *gin.Context) {
	batchSize := 0
	if raw := c.Query("batch_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, apierrors.ErrorResponse{
				ErrorType: apierrors.HttpInvalidArgumentError,
				Message:   "batch_size must be a positive integer",
			})
			return
		}
		batchSize = parsed
	}

	processed, ran, err := a.engine.AggregateRawEvents(c.Request.Context(), batchSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInternalError,
			Message:   err.Error(),
		})
		return
	}
	if !ran {
		// Lock held elsewhere; the run was skipped, not failed.
		c.JSON(http.StatusConflict, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpRunSkippedError,
			Message:   "aggregation is running on another node",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events_processed": processed})
}

func (a *API) triggerPopulateDates(c *gin.Context) {
	a.triggerPopulate(c, a.engine.PopulateDateDimensions)
}

func (a *API) triggerPopulateTimes(c *gin.Context) {
	a.triggerPopulate(c, a.engine.PopulateTimeDimensions)
}

func (a *API) triggerPopulate(c *gin.Context, run func(ctx context.Context) (bool, error)) {
	ran, err := run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInternalError,
			Message:   err.Error(),
		})
		return
	}
	if !ran {
		c.JSON(http.StatusConflict, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpRunSkippedError,
			Message:   "population is running on another node",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "populated"})
}

func (a *API) getStatus(c *gin.Context) {
	statuses, err := a.engine.Statuses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInternalError,
			Message:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses, "calendar_gaps": a.engine.Gaps()})
}

// aggregationView is the wire shape of one aggregation row.
type aggregationView struct {
	Kind            aggr.Kind         `json:"kind"`
	Interval        interval.Interval `json:"interval"`
	IntervalStart   time.Time         `json:"interval_start"`
	GroupID         int64             `json:"group_id"`
	Complete        bool              `json:"complete"`
	DurationMinutes int               `json:"duration_minutes"`
	Payload         aggr.Payload      `json:"payload"`
}

func (a *API) queryAggregations(c *gin.Context) {
	iv, err := interval.Parse(c.Query("interval"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInvalidArgumentError,
			Message:   err.Error(),
		})
		return
	}

	kind := aggr.Kind(c.Query("kind"))
	start, startErr := time.Parse(time.RFC3339, c.Query("start"))
	end, endErr := time.Parse(time.RFC3339, c.Query("end"))
	if startErr != nil || endErr != nil {
		c.JSON(http.StatusBadRequest, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInvalidArgumentError,
			Message:   "start and end must be RFC3339 timestamps",
		})
		return
	}

	paths := strings.Split(c.Query("groups"), ",")
	if len(paths) == 0 || paths[0] == "" {
		c.JSON(http.StatusBadRequest, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInvalidArgumentError,
			Message:   "groups must list at least one group path",
		})
		return
	}

	groupIDs := make([]int64, 0, len(paths))
	for _, path := range paths {
		// Lookup only: a read must not mint mappings for unseen groups.
		mapping, err := a.groups.LookupPath(c.Request.Context(), strings.TrimSpace(path))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, apierrors.ErrorResponse{
				ErrorType: apierrors.HttpNotFoundError,
				Message:   "no aggregations recorded for group " + strings.TrimSpace(path),
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, apierrors.ErrorResponse{
				ErrorType: apierrors.HttpInvalidArgumentError,
				Message:   err.Error(),
			})
			return
		}
		groupIDs = append(groupIDs, mapping.ID)
	}

	key := aggr.Key{Kind: kind, Interval: iv, GroupID: groupIDs[0]}
	rows, err := a.store.GetAggregations(c.Request.Context(), start, end, key, groupIDs[1:]...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierrors.ErrorResponse{
			ErrorType: apierrors.HttpInternalError,
			Message:   err.Error(),
		})
		return
	}

	views := make([]aggregationView, 0, len(rows))
	for _, row := range rows {
		views = append(views, aggregationView{
			Kind:            row.Key.Kind,
			Interval:        row.Key.Interval,
			IntervalStart:   row.Key.IntervalStart,
			GroupID:         row.Key.GroupID,
			Complete:        row.Complete,
			DurationMinutes: row.DurationMinutes,
			Payload:         row.Payload,
		})
	}
	c.JSON(http.StatusOK, gin.H{"aggregations": views})
}
