package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"masthead/internal/broker"
	mapi "masthead/pkg/api/masthead"
	"masthead/pkg/logging"

	"github.com/gin-gonic/gin"
)

var (
	logger  logging.Logger
	brk     *broker.Broker
	metrics *MastheadMetrics
)

// Init wires the package-level dependencies.
func Init(log logging.Logger, b *broker.Broker, m *MastheadMetrics) {
	logger = log
	brk = b
	metrics = m
}

func parseKind(raw string) (broker.ResourceKind, bool) {
	switch raw {
	case "", string(broker.ResourceTuner):
		return broker.ResourceTuner, true
	case string(broker.ResourceCredential):
		return broker.ResourceCredential, true
	}
	return "", false
}

func countDecision(kind broker.ResourceKind, outcome string) {
	if metrics != nil {
		metrics.AdmissionDecisions.WithLabelValues(string(kind), outcome).Inc()
	}
}

// HandleChannelRequest admits a channel-watch request: 200 with a session
// when capacity exists (or the caller already holds one), 202 with a queue
// position when it does not.
func HandleChannelRequest(c *gin.Context) {
	var req mapi.RequestChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "invalid payload"})
		return
	}
	if req.UserID == "" || req.ChannelKey == "" {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "user_id and channel_key are required"})
		return
	}
	kind, ok := parseKind(req.ResourceKind)
	if !ok {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "unknown resource_kind"})
		return
	}

	start := time.Now()
	grant, err := brk.Request(c.Request.Context(), req.UserID, req.ChannelKey, kind, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrInvalidChannel):
			c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: err.Error()})
		case errors.Is(err, broker.ErrNoCapacityConfigured), errors.Is(err, broker.ErrResourceFailed):
			countDecision(kind, "rejected")
			c.JSON(http.StatusServiceUnavailable, mapi.ErrorResponse{Error: err.Error()})
		default:
			countDecision(kind, "rejected")
			logger.WithError(err).WithField("channel", req.ChannelKey).Error("Channel request failed")
			c.JSON(http.StatusServiceUnavailable, mapi.ErrorResponse{Error: "stream unavailable"})
		}
		return
	}

	if grant.Queued() {
		countDecision(kind, "queued")
		c.JSON(http.StatusAccepted, mapi.RequestChannelResponse{
			Status:   "queued",
			Position: grant.QueuePosition,
		})
		return
	}

	if metrics != nil {
		metrics.GrantLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
	if grant.Session.SharedTuner() {
		countDecision(kind, "shared")
	} else {
		countDecision(kind, "granted")
	}
	c.JSON(http.StatusOK, mapi.RequestChannelResponse{
		Status:    "granted",
		SessionID: grant.Session.ID,
		StreamURL: grant.Session.StreamURL,
	})
}

// HandleHeartbeat renews a session's liveness window.
func HandleHeartbeat(c *gin.Context) {
	if err := brk.Heartbeat(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, mapi.ErrorResponse{Error: "session not found"})
		return
	}
	c.JSON(http.StatusOK, mapi.HeartbeatResponse{Status: "ok"})
}

// HandleRelease tears a session down. Releasing an unknown or already
// released session is a no-op and still reports success.
func HandleRelease(c *gin.Context) {
	brk.Release(c.Param("id"))
	c.JSON(http.StatusOK, mapi.ReleaseResponse{Status: "ok"})
}

// HandleWithdraw cancels a queued request before it is granted.
func HandleWithdraw(c *gin.Context) {
	var req mapi.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "invalid payload"})
		return
	}
	if req.UserID == "" || req.ChannelKey == "" {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "user_id and channel_key are required"})
		return
	}
	brk.Withdraw(req.UserID, req.ChannelKey)
	c.JSON(http.StatusOK, mapi.ReleaseResponse{Status: "ok"})
}

// HandleStatus reports the full broker snapshot for dashboards.
func HandleStatus(c *gin.Context) {
	snap := brk.Snapshot()

	out := mapi.StatusResponse{
		QueueLength:    snap.QueueLength,
		QueueLengths:   make(map[string]int, len(snap.QueueLengths)),
		ChannelMapping: snap.ChannelMapping,
		TakenAt:        snap.TakenAt,
	}
	for kind, n := range snap.QueueLengths {
		out.QueueLengths[string(kind)] = n
	}
	for _, t := range snap.Tuners {
		out.Tuners = append(out.Tuners, mapi.TunerStatus{
			ID:           t.ID,
			Status:       string(t.Status),
			TunedChannel: t.TunedChannel,
			Viewers:      t.Viewers,
			FailureCount: t.FailureCount,
			LastActivity: t.LastActivity,
		})
	}
	for _, s := range snap.Credentials {
		out.Credentials = append(out.Credentials, mapi.CredentialStatus{
			ID:                s.ID,
			ProviderID:        s.ProviderID,
			MaxConnections:    s.MaxConnections,
			ActiveConnections: s.ActiveConnections,
		})
	}
	for _, s := range snap.ActiveSessions {
		out.ActiveSessions = append(out.ActiveSessions, mapi.SessionStatus{
			SessionID:     s.ID,
			UserID:        s.UserID,
			ChannelKey:    s.ChannelKey,
			ResourceKind:  string(s.Kind),
			ResourceID:    s.ResourceID,
			StartedAt:     s.StartedAt,
			LastHeartbeat: s.LastHeartbeat,
		})
	}
	c.JSON(http.StatusOK, out)
}

// HandleTunerFailed marks a tuner failed and evicts its sessions. Evicted
// viewers are expected to re-request and land on another resource or queue.
func HandleTunerFailed(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "invalid tuner id"})
		return
	}
	evicted, err := brk.MarkTunerFailed(id)
	if err != nil {
		c.JSON(http.StatusNotFound, mapi.ErrorResponse{Error: "tuner not found"})
		return
	}
	if metrics != nil {
		metrics.Evictions.WithLabelValues().Add(float64(len(evicted)))
	}
	c.JSON(http.StatusOK, mapi.TunerSignalResponse{
		Status:  "failed",
		TunerID: id,
		Evicted: len(evicted),
	})
}

// HandleTunerRecovered returns a failed tuner to service and kicks the
// wait queue.
func HandleTunerRecovered(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, mapi.ErrorResponse{Error: "invalid tuner id"})
		return
	}
	if err := brk.MarkTunerRecovered(id); err != nil {
		c.JSON(http.StatusNotFound, mapi.ErrorResponse{Error: "tuner not found"})
		return
	}
	c.JSON(http.StatusOK, mapi.TunerSignalResponse{Status: "recovered", TunerID: id})
}
