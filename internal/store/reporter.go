package store

import (
	"log"
	"time"

	"github.com/soundsonacid/keepyrs/internal/keeper"
)

// Reporter writes keeper progress into one run's history. Write failures are
// logged and dropped; history never blocks the keeper.
type Reporter struct {
	store *Store
	runID uint
}

var _ keeper.Reporter = (*Reporter)(nil)

func (s *Store) Reporter(runID uint) *Reporter {
	return &Reporter{store: s, runID: runID}
}

func (r *Reporter) PhaseChanged(from, to keeper.Phase, elapsed time.Duration) {
	r.write(&PhaseRecord{
		RunID:     r.runID,
		FromPhase: from.String(),
		ToPhase:   to.String(),
		ElapsedMs: elapsed.Milliseconds(),
	})
}

func (r *Reporter) PhaseFailed(phase keeper.Phase, err error) {
	rec := &PhaseRecord{RunID: r.runID, FromPhase: phase.String(), ToPhase: phase.Next().String()}
	if err != nil {
		rec.Error = err.Error()
	}
	r.write(rec)
}

func (r *Reporter) RoundDone(rep keeper.RoundReport) {
	rec := &RoundRecord{
		RunID:        r.runID,
		Round:        rep.Round,
		StartedAt:    rep.Started,
		ElapsedMs:    rep.Elapsed.Milliseconds(),
		FillErr:      errString(rep.FillErr),
		LiquidateErr: errString(rep.LiquidateErr),
		ResolveErr:   errString(rep.ResolveErr),
		SyncErr:      errString(rep.SyncErr),
	}
	if err := r.store.RecordRound(rec); err != nil {
		log.Printf("[warn] store round %d: %v", rep.Round, err)
	}
}

func (r *Reporter) write(rec *PhaseRecord) {
	if err := r.store.RecordPhase(rec); err != nil {
		log.Printf("[warn] store phase %s: %v", rec.FromPhase, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
