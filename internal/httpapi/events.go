package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"volunteer/internal/fanout"
	"volunteer/internal/opportunity"
)

const (
	defaultHeartbeat    = 25 * time.Second
	defaultStreamBuffer = 16
)

// events streams an opportunity as Server-Sent Events: a "snapshot"
// event with the full state, then one "change" event per newer entity
// version. A hub resync is answered with a fresh snapshot. Closing the
// connection unsubscribes.
func (s *Server) events(c *gin.Context) {
	ctx := c.Request.Context()
	opportunityID := c.Param("id")

	// Subscribe before reading the snapshot so nothing committed in
	// between is missed; the merger drops what the snapshot already has.
	sub := fanout.NewChanSubscriber(s.streamBuffer())
	handle, err := s.Hub.Subscribe(fanout.Topic(opportunityID), sub)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable", "code": "UNAVAILABLE"})
		return
	}
	defer s.Hub.Unsubscribe(handle)

	snap, err := s.Ledger.Snapshot(ctx, opportunityID)
	if err != nil {
		writeError(c, err)
		return
	}
	merger := fanout.NewMerger(nil)
	merger.Reset(snap.Versions())

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.heartbeat())
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		case event := <-sub.Events():
			switch merger.Apply(event) {
			case fanout.Stale:
				return true
			case fanout.ResyncRequired:
				fresh, err := s.Ledger.Snapshot(ctx, opportunityID)
				if err != nil {
					if !errors.Is(err, opportunity.ErrNotFound) {
						log.Warn().Err(err).Str("opportunity_id", opportunityID).Msg("resync snapshot failed")
					}
					return false
				}
				merger.Reset(fresh.Versions())
				c.SSEvent("snapshot", fresh)
				return true
			}
			c.SSEvent("change", event)
			return true
		}
	})
}

func (s *Server) heartbeat() time.Duration {
	if s.Heartbeat > 0 {
		return s.Heartbeat
	}
	return defaultHeartbeat
}

func (s *Server) streamBuffer() int {
	if s.StreamBuffer > 0 {
		return s.StreamBuffer
	}
	return defaultStreamBuffer
}
