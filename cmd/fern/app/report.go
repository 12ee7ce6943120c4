package app

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
)

var (
	heading = color.New(color.Bold)
	good    = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	bad     = color.New(color.FgRed)
)

func printSyncReport(w io.Writer, r *sourcesync.SyncReport) {
	heading.Fprintf(w, "Sync pass %s for %s\n", r.PassID, r.Source)
	fmt.Fprintf(w, "  duration     %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  processed    %d\n", r.Processed)
	good.Fprintf(w, "  created      %d\n", r.Created)
	good.Fprintf(w, "  updated      %d\n", r.Updated)
	fmt.Fprintf(w, "  unchanged    %d\n", r.Unchanged)
	good.Fprintf(w, "  reactivated  %d\n", r.Reactivated)
	warn.Fprintf(w, "  missing      %d\n", r.Missing)
	warn.Fprintf(w, "  archived     %d\n", r.Archived)
	if r.Unidentified > 0 {
		warn.Fprintf(w, "  unidentified %d\n", r.Unidentified)
	}
	if r.EscalationSkipped {
		warn.Fprintln(w, "  absence escalation skipped")
	}

	if len(r.Errors) == 0 {
		return
	}
	bad.Fprintf(w, "  errors       %d\n", len(r.Errors))
	for _, e := range r.Errors {
		bad.Fprintf(w, "    %s: %s\n", e.ExternalID, e.Message)
	}
}

func printMergeReport(w io.Writer, r *merging.MergeReport) {
	mode := "merged"
	if r.DryRun {
		mode = "would merge"
	}
	heading.Fprintf(w, "Duplicates of %s: %d groups\n", r.EntityType, len(r.Groups))
	for _, g := range r.Groups {
		if g.Error != "" {
			bad.Fprintf(w, "  %s: %s\n", g.Key, g.Error)
			continue
		}
		fmt.Fprintf(w, "  %s: %s %d into %s\n", g.Key, mode, len(g.MergedIDs), g.CanonicalID)
	}
	good.Fprintf(w, "  merged       %d\n", r.Merged)
	fmt.Fprintf(w, "  deactivated  %d\n", r.Deactivated)
	if r.Skipped > 0 {
		warn.Fprintf(w, "  skipped      %d\n", r.Skipped)
	}
	for name, n := range r.Reassigned {
		fmt.Fprintf(w, "  reassigned   %s=%d\n", name, n)
	}
}

func printResolved(w io.Writer, e *models.Entity, outcome resolver.Outcome) {
	if outcome.Created() {
		good.Fprintf(w, "%s ", outcome)
	} else {
		heading.Fprintf(w, "%s ", outcome)
	}
	fmt.Fprintf(w, "%s %q (slug %s)\n", e.ID, e.Name, e.Slug)
}
