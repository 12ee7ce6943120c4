package merging

import (
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ChooseCanonical picks the entity that survives a merge: the one with an
// external id, then the one with the most dependents, then the oldest, then
// the lowest id. It returns the survivor and the rest in the same order.
func ChooseCanonical(members []*models.Entity, dependents map[string]models.DependentCounts) (*models.Entity, []*models.Entity) {
	if len(members) == 0 {
		return nil, nil
	}

	ranked := append([]*models.Entity(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.HasExternalID() != b.HasExternalID() {
			return a.HasExternalID()
		}
		if da, db := dependents[a.ID].Total(), dependents[b.ID].Total(); da != db {
			return da > db
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ranked[0], ranked[1:]
}

// fillFrom copies onto canonical whatever it lacks and the duplicates have.
// Values already on canonical always win; among duplicates the first in
// order wins.
func fillFrom(canonical *models.Entity, duplicates []*models.Entity) bool {
	changed := false
	if canonical.Attributes == nil {
		canonical.Attributes = models.Attributes{}
	}
	for _, dup := range duplicates {
		for _, key := range dup.Attributes.Keys() {
			if _, ok := canonical.Attributes[key]; ok {
				continue
			}
			canonical.Attributes[key] = dup.Attributes[key]
			changed = true
		}
		if !canonical.HasExternalID() && dup.HasExternalID() {
			ext := *dup.ExternalID
			canonical.ExternalID = &ext
			changed = true
		}
		if canonical.Latitude == nil && canonical.Longitude == nil && dup.Latitude != nil && dup.Longitude != nil {
			canonical.Latitude, canonical.Longitude = dup.Latitude, dup.Longitude
			changed = true
		}
		if canonical.SourceID == nil && dup.SourceID != nil {
			canonical.SourceID = dup.SourceID
		}
	}
	return changed
}
