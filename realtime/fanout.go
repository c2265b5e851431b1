package realtime

import (
	"context"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/checkin"
	"bitbucket.org/gracesoft/congregate_backend/config"
)

// PublishServiceCounts recomputes the derived attendance counters for each
// touched service and broadcasts them on that service's tenant-scoped
// channel. Best-effort: runs after the HTTP response is already on its way,
// and a failure here never affects the batch outcome (the check-in rows are
// the source of truth, not this broadcast).
func PublishServiceCounts(ctx context.Context, hub *Hub, store checkin.Store, churchId string, serviceIds []int) {
	if hub == nil || len(serviceIds) == 0 {
		return
	}
	if config.RealtimeFanoutDisabled() {
		return
	}

	counts, err := checkin.ComputeAttendance(ctx, store, serviceIds)
	if err != nil {
		config.LogError(config.GetLogger(), "fanout.go", "PublishServiceCounts", "ComputeAttendance", serviceIds, err)
		return
	}
	now := time.Now().UTC()
	for _, c := range counts {
		hub.Publish(ServiceChannel(churchId, c.ServiceId), EventServiceCountUpdate, CountUpdate{
			ServiceId:         c.ServiceId,
			TotalCheckins:     c.TotalCheckins,
			CurrentAttendance: c.UniqueAttendees,
			Timestamp:         now,
		})
	}
}
