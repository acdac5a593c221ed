package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/pipeline"
	"github.com/WessleyAI/wessley-collision/pkg/fn"
	"github.com/WessleyAI/wessley-collision/pkg/metrics"
)

const maxLine = 1 << 20

// submitter is the part of *pipeline.Service the replayer drives.
type submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (pipeline.Outcome, error)
	RetryPending(ctx context.Context) int
	IsPending(id string) bool
}

// stats counts replay outcomes. Unsaved counts events whose estimate the
// service holds for a later write. Failed covers other infrastructure errors;
// rejected batches are a property of the recording.
type stats struct {
	Sessions  int
	Batches   int
	Emitted   int
	NoEvent   int
	Rejected  int
	Unsaved   int
	Failed    int
	Malformed int
}

func (s *stats) add(o stats) {
	s.Sessions += o.Sessions
	s.Batches += o.Batches
	s.Emitted += o.Emitted
	s.NoEvent += o.NoEvent
	s.Rejected += o.Rejected
	s.Unsaved += o.Unsaved
	s.Failed += o.Failed
	s.Malformed += o.Malformed
}

type replayer struct {
	svc     submitter
	workers int
	log     *slog.Logger
	met     *metrics.Registry
}

func (r *replayer) count(outcome string) {
	r.met.Counter(metrics.WithLabels("collision_replay_batches_total", "outcome", outcome),
		"Replayed telemetry batches by outcome").Inc()
}

// readRecording decodes one submission per line. Blank lines are skipped;
// lines that do not decode are counted and logged.
func readRecording(path string, log *slog.Logger) ([]domain.Submission, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		subs      []domain.Submission
		malformed int
		line      int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var sub domain.Submission
		if err := json.Unmarshal([]byte(text), &sub); err != nil {
			malformed++
			log.Warn("replay: malformed line", "file", filepath.Base(path), "line", line, "err", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, malformed, sc.Err()
}

// replayFile replays every session of a recording. Sessions run in parallel;
// batches within a session keep their recorded order. It also returns the ids
// of estimates the service could not write yet.
func (r *replayer) replayFile(ctx context.Context, path string) (stats, []string, error) {
	subs, malformed, err := readRecording(path, r.log)
	if err != nil {
		return stats{}, nil, err
	}
	order, groups := fn.GroupBy(subs, func(s domain.Submission) string { return s.SessionID })
	runs := fn.ParMap(order, r.workers, func(id string) sessionRun {
		return r.replaySession(ctx, id, groups[id])
	})

	total := stats{Malformed: malformed}
	var unsaved []string
	for _, run := range runs {
		total.add(run.stats)
		unsaved = append(unsaved, run.unsaved...)
	}
	return total, unsaved, nil
}

type sessionRun struct {
	stats
	unsaved []string
}

func (r *replayer) replaySession(ctx context.Context, id string, subs []domain.Submission) sessionRun {
	run := sessionRun{stats: stats{Sessions: 1}}
	for i, sub := range subs {
		if ctx.Err() != nil {
			run.Failed += len(subs) - i
			break
		}
		run.Batches++
		out, err := r.svc.Submit(ctx, sub)
		var persist *pipeline.PersistError
		switch {
		case err == nil && out.Status == pipeline.StatusEmitted:
			run.Emitted++
			r.count("emitted")
		case err == nil:
			run.NoEvent++
			r.count("no_event")
		case errors.As(err, &persist):
			// The session has moved past this batch; only the write is retried.
			run.Unsaved++
			run.unsaved = append(run.unsaved, persist.Estimate.ID)
			r.count("unsaved")
			r.log.Warn("replay: estimate not stored", "session", id, "estimate_id", persist.Estimate.ID, "err", persist.Err)
		case !pipeline.Permanent(err):
			run.Failed++
			r.count("failed")
			r.log.Error("replay: batch failed", "session", id, "err", err)
		default:
			run.Rejected++
			r.count("rejected")
			r.log.Warn("replay: batch rejected", "session", id, "err", err)
		}
	}
	return run
}

// scanner replays new recordings found in dir and remembers finished ones in
// a state file keyed by name and size. A file whose estimates are still held
// by the service is not replayed again; it is marked once they are written.
type scanner struct {
	dir       string
	statePath string
	rep       *replayer
	processed map[string]bool
	held      map[string][]string
	log       *slog.Logger
	met       *metrics.Registry
}

func newScanner(dir, statePath string, rep *replayer, log *slog.Logger, met *metrics.Registry) (*scanner, error) {
	processed, err := loadState(statePath)
	if err != nil {
		return nil, err
	}
	return &scanner{
		dir:       dir,
		statePath: statePath,
		rep:       rep,
		processed: processed,
		held:      make(map[string][]string),
		log:       log,
		met:       met,
	}, nil
}

func (s *scanner) scan(ctx context.Context) {
	s.met.Gauge("collision_replay_last_scan_timestamp", "Epoch of last directory scan").Set(float64(time.Now().Unix()))
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("replay: readdir failed", "dir", s.dir, "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		names = append(names, e.Name())
		sizes[e.Name()] = info.Size()
	}
	sort.Strings(names)

	if len(s.held) > 0 {
		if left := s.rep.svc.RetryPending(ctx); left > 0 {
			s.log.Warn("replay: estimates still waiting for the store", "pending", left)
		}
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		key := fmt.Sprintf("%s:%d", name, sizes[name])
		if s.processed[key] {
			continue
		}
		if ids, ok := s.held[key]; ok {
			if s.waiting(ids) == 0 {
				delete(s.held, key)
				s.log.Info("replay: held estimates stored", "file", name, "estimates", len(ids))
				s.markDone(key)
			}
			continue
		}
		start := time.Now()
		st, unsaved, err := s.rep.replayFile(ctx, filepath.Join(s.dir, name))
		s.met.Histogram("collision_replay_file_seconds", "Time to replay one recording", nil).Since(start)
		if err != nil {
			s.log.Error("replay: file failed", "file", name, "err", err)
			continue
		}
		s.met.Counter("collision_replay_files_total", "Recordings replayed").Inc()
		s.log.Info("replay: file done", "file", name,
			"sessions", st.Sessions, "batches", st.Batches, "emitted", st.Emitted,
			"no_event", st.NoEvent, "rejected", st.Rejected, "unsaved", st.Unsaved,
			"failed", st.Failed, "malformed", st.Malformed)

		switch {
		case st.Failed > 0:
			// Replayed in full on the next scan.
			s.log.Warn("replay: file had failures, will retry", "file", name, "failed", st.Failed)
		case len(unsaved) > 0:
			s.held[key] = unsaved
			s.log.Warn("replay: file waits for held estimates", "file", name, "estimates", len(unsaved))
		default:
			s.markDone(key)
		}
	}
}

func (s *scanner) waiting(ids []string) int {
	n := 0
	for _, id := range ids {
		if s.rep.svc.IsPending(id) {
			n++
		}
	}
	return n
}

func (s *scanner) markDone(key string) {
	s.processed[key] = true
	if err := saveState(s.statePath, s.processed); err != nil {
		s.log.Error("replay: save state failed", "path", s.statePath, "err", err)
	}
}

func loadState(path string) (map[string]bool, error) {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("state %s: %w", path, err)
	}
	return m, nil
}

func saveState(path string, m map[string]bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
