package sourcesync

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Change is what one pass did to a sync record.
type Change string

const (
	ChangeCreated       Change = "created"
	ChangeUnchanged     Change = "unchanged"
	ChangeUpdated       Change = "updated"
	ChangeReactivated   Change = "reactivated"
	ChangeMissing       Change = "missing"
	ChangeStillMissing  Change = "still_missing"
	ChangeArchived      Change = "archived"
	ChangeStillArchived Change = "still_archived"
)

// Observation is what a pass saw of one tracked external id.
type Observation struct {
	Present     bool
	ContentHash string
	// ModifiedAt is the source-reported modification time, if any.
	ModifiedAt *time.Time
}

// Transition applies one pass's observation to rec and returns the change.
// A record with an empty status is new. Archival happens once the record
// has been missing for inactiveAfterDays whole days, measured from
// missing_since; a value <= 0 archives on the pass after the first miss.
func Transition(rec *models.SyncRecord, obs Observation, now time.Time, inactiveAfterDays int) Change {
	if !obs.Present {
		return escalate(rec, now, inactiveAfterDays)
	}

	modified := now
	if obs.ModifiedAt != nil {
		modified = *obs.ModifiedAt
	}

	if rec.SyncStatus == "" {
		rec.SyncStatus = models.SyncStatusActive
		rec.FirstSeenAt = now
		rec.LastSeenAt = now
		rec.LastModifiedAt = &modified
		rec.ContentHash = obs.ContentHash
		rec.MissingSince = nil
		return ChangeCreated
	}

	wasAbsent := rec.SyncStatus.Absent()
	changed := rec.ContentHash != obs.ContentHash

	rec.LastSeenAt = now
	rec.MissingSince = nil
	if changed {
		rec.SyncStatus = models.SyncStatusUpdated
		rec.ContentHash = obs.ContentHash
		rec.LastModifiedAt = &modified
	} else {
		rec.SyncStatus = models.SyncStatusActive
	}

	switch {
	case wasAbsent:
		return ChangeReactivated
	case changed:
		return ChangeUpdated
	default:
		return ChangeUnchanged
	}
}

func escalate(rec *models.SyncRecord, now time.Time, inactiveAfterDays int) Change {
	switch rec.SyncStatus {
	case models.SyncStatusArchived:
		return ChangeStillArchived
	case models.SyncStatusMissing:
		since := now
		if rec.MissingSince != nil {
			since = *rec.MissingSince
		} else {
			rec.MissingSince = &since
		}
		threshold := time.Duration(max(inactiveAfterDays, 0)) * 24 * time.Hour
		if threshold == 0 || now.Sub(since) >= threshold {
			rec.SyncStatus = models.SyncStatusArchived
			return ChangeArchived
		}
		return ChangeStillMissing
	default:
		rec.SyncStatus = models.SyncStatusMissing
		missingSince := now
		rec.MissingSince = &missingSince
		return ChangeMissing
	}
}
