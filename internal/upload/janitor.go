package upload

import (
	"time"

	"github.com/rs/zerolog/log"
)

// SweepStaging removes staged chunks and session records of uploads that
// were abandoned for longer than the staging TTL. Uploads that are being
// reassembled are never touched.
func (c *Coordinator) SweepStaging(now time.Time) (int, error) {
	reassembling := func(fileID string) bool {
		session, ok := c.sessions.Get(fileID)
		return ok && session.State == SessionReassembling
	}

	removed, err := c.staging.RemoveIdle(c.config.StagingTTL, now, reassembling)
	if len(removed) > 0 {
		c.metrics.StagingRemoved.Add(float64(len(removed)))
	}
	pruned := c.sessions.Prune(c.config.StagingTTL, now)

	if len(removed) > 0 || pruned > 0 {
		log.Info().
			Int("stagedRemoved", len(removed)).
			Int("sessionsPruned", pruned).
			Msg("[UPLOAD] Swept abandoned uploads")
	}
	return len(removed), err
}

// ActiveSessions counts uploads that are still receiving chunks or being
// reassembled.
func (c *Coordinator) ActiveSessions() int {
	return c.sessions.Active()
}
