package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fastflow-labs/fastflow/internal/domain"
	"github.com/fastflow-labs/fastflow/internal/platform/httpserver"
	"github.com/fastflow-labs/fastflow/internal/stream"
)

const defaultHeartbeat = 15 * time.Second

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

type logLine struct {
	Line string `json:"line"`
}

type streamError struct {
	Error string `json:"error"`
}

func (api *schedulerAPI) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	api.streamRun(w, r, stream.KindLogs)
}

func (api *schedulerAPI) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	api.streamRun(w, r, stream.KindMetrics)
}

// streamRun replays what the run's file already holds after Last-Event-ID and
// then tails the broadcaster. Event ids are sequence numbers, which equal line
// numbers in the run's file, so a reconnecting client never sees a line twice.
func (api *schedulerAPI) streamRun(w http.ResponseWriter, r *http.Request, kind stream.Kind) {
	ctx := r.Context()
	run, err := api.runs.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	after, err := lastEventID(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_last_event_id", err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "streaming_not_supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sent, err := api.replayFile(ctx, w, run, kind, after)
	if err != nil {
		api.streamFailed(w, run.ID, err)
		return
	}
	if run.Terminal() {
		return
	}

	sub := api.stream.Subscribe(ctx, run.ID, kind, sent)
	defer sub.Close()
	// A run that finished before the subscription may have had its topic
	// purged already; its file is complete by then.
	if cur, err := api.runs.GetRun(ctx, run.ID); err == nil && cur.Terminal() {
		sub.Close()
		if _, err := api.replayFile(ctx, w, cur, kind, sent); err != nil {
			api.streamFailed(w, run.ID, err)
		}
		return
	}

	interval := api.heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					_ = writeSSE(w, "error", "", streamError{Error: err.Error()})
				}
				return
			}
			if ev.Seq <= sent {
				continue
			}
			if err := writeSSE(w, "", strconv.FormatUint(ev.Seq, 10), eventPayload(ev)); err != nil {
				return
			}
			sent = ev.Seq
		}
	}
}

func (api *schedulerAPI) streamFailed(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	api.logger.Warn("run stream replay failed", "run_id", runID, "error", err)
	msg := "stream unavailable"
	if errors.Is(err, fs.ErrNotExist) {
		msg = "run output not found"
	}
	_ = writeSSE(w, "error", "", streamError{Error: msg})
}

func eventPayload(ev stream.Event) any {
	if ev.Sample != nil {
		return ev.Sample
	}
	return logLine{Line: ev.Line}
}

// replayFile sends records numbered above after and returns the highest
// sequence the client has now seen. A trailing partial record of a live run
// is left for the broadcaster.
func (api *schedulerAPI) replayFile(ctx context.Context, w http.ResponseWriter, run domain.Run, kind stream.Kind, after uint64) (uint64, error) {
	open := api.files.OpenLog
	if kind == stream.KindMetrics {
		open = api.files.OpenMetrics
	}
	rc, err := open(ctx, run)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && (!run.Terminal() || kind == stream.KindMetrics) {
			return after, nil
		}
		return after, err
	}
	defer func() { _ = rc.Close() }()

	br := bufio.NewReader(rc)
	var seq uint64
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return max(seq, after), readErr
		}
		partial := !strings.HasSuffix(line, "\n")
		if line == "" || (partial && !run.Terminal()) {
			break
		}
		seq++
		if seq > after {
			payload, ok := filePayload(kind, strings.TrimSuffix(line, "\n"))
			if ok {
				if err := writeSSE(w, "", strconv.FormatUint(seq, 10), payload); err != nil {
					return seq, err
				}
			}
		}
		if ctx.Err() != nil {
			return max(seq, after), ctx.Err()
		}
		if readErr != nil {
			break
		}
	}
	return max(seq, after), nil
}

func filePayload(kind stream.Kind, line string) (any, bool) {
	if kind == stream.KindLogs {
		return logLine{Line: line}, true
	}
	var sample domain.MetricSample
	if err := json.Unmarshal([]byte(line), &sample); err != nil {
		return nil, false
	}
	return sample, true
}

func lastEventID(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("Last-Event-ID must be a sequence number")
	}
	return v, nil
}
