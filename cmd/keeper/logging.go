package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/soundsonacid/keepyrs/internal/jsonl"
	"github.com/soundsonacid/keepyrs/internal/keeper"
)

// setupLogFile tees the standard logger into a rotating file. The returned
// func closes the file.
func setupLogFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fileLogger := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, fileLogger))
	return func() {
		log.SetOutput(os.Stderr)
		_ = fileLogger.Close()
	}, nil
}

type runEvent struct {
	Identity      string `json:"identity,omitempty"`
	ChainID       int64  `json:"chain_id,omitempty"`
	ClearingHouse string `json:"clearing_house,omitempty"`
	Rounds        int    `json:"rounds,omitempty"`
	Forever       bool   `json:"forever,omitempty"`
	Holding       string `json:"holding,omitempty"`
	Phase         string `json:"phase,omitempty"`
	Ok            bool   `json:"ok"`
	Err           string `json:"err,omitempty"`
	UptimeMs      int64  `json:"uptime_ms,omitempty"`
}

type phaseEvent struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Err       string `json:"err,omitempty"`
}

type roundEvent struct {
	Round        int    `json:"round"`
	ElapsedMs    int64  `json:"elapsed_ms"`
	Ok           bool   `json:"ok"`
	FillErr      string `json:"fill_err,omitempty"`
	LiquidateErr string `json:"liquidate_err,omitempty"`
	ResolveErr   string `json:"resolve_err,omitempty"`
	SyncErr      string `json:"sync_err,omitempty"`
}

func logEvent(w *jsonl.Writer, event string, data any) {
	if w == nil {
		return
	}
	if err := w.Emit(event, data); err != nil {
		log.Printf("[warn] event log write failed: %v", err)
	}
}

// eventReporter mirrors keeper progress into the JSONL event log.
type eventReporter struct {
	w *jsonl.Writer
}

func (r eventReporter) PhaseChanged(from, to keeper.Phase, elapsed time.Duration) {
	logEvent(r.w, "phase", phaseEvent{From: from.String(), To: to.String(), ElapsedMs: elapsed.Milliseconds()})
}

func (r eventReporter) PhaseFailed(phase keeper.Phase, err error) {
	logEvent(r.w, "phase_failed", phaseEvent{From: phase.String(), Err: errString(err)})
}

func (r eventReporter) RoundDone(rep keeper.RoundReport) {
	logEvent(r.w, "round", roundEvent{
		Round:        rep.Round,
		ElapsedMs:    rep.Elapsed.Milliseconds(),
		Ok:           rep.OK(),
		FillErr:      errString(rep.FillErr),
		LiquidateErr: errString(rep.LiquidateErr),
		ResolveErr:   errString(rep.ResolveErr),
		SyncErr:      errString(rep.SyncErr),
	})
}

// multiReporter fans progress out to every non-nil reporter.
type multiReporter []keeper.Reporter

func (m multiReporter) PhaseChanged(from, to keeper.Phase, elapsed time.Duration) {
	for _, r := range m {
		r.PhaseChanged(from, to, elapsed)
	}
}

func (m multiReporter) PhaseFailed(phase keeper.Phase, err error) {
	for _, r := range m {
		r.PhaseFailed(phase, err)
	}
}

func (m multiReporter) RoundDone(rep keeper.RoundReport) {
	for _, r := range m {
		r.RoundDone(rep)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
