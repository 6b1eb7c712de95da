package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"zipline/internal/api"
	"zipline/internal/build"
	"zipline/internal/logging"
	"zipline/internal/progress"
	"zipline/internal/services"
)

const (
	defaultEventLimit = 200
	maxPollWait       = time.Minute
)

func (s *apiServer) handleHealth(c echo.Context) error {
	status := s.daemon.Status(c.Request().Context())
	free, _ := s.daemon.cache.FreeBytes()
	return c.JSON(http.StatusOK, api.HealthResponse{
		Status:       "ok",
		PID:          status.PID,
		StartedAt:    status.StartedAt,
		ActiveBuilds: len(status.ActiveBuilds),
		CacheEntries: status.Cache.Entries,
		CacheBytes:   status.Cache.TotalBytes,
		FreeBytes:    free,
		RelayEnabled: status.RelayEnabled,
		CacheError:   status.CacheError,
	})
}

func (s *apiServer) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.daemon.Status(c.Request().Context()))
}

func (s *apiServer) handleResolve(c echo.Context) error {
	var req api.ResolveRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, fmt.Errorf("%w: malformed resolve request", services.ErrValidation))
	}
	requester := requesterFrom(c, req.Requester)
	res, err := s.daemon.resolver.Resolve(c.Request().Context(), req.Path, requester)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.ResolveResponse{Resolution: res})
}

// attachedRecord loads a job and checks requester is attached to it.
func (s *apiServer) attachedRecord(c echo.Context, requester string) (build.Record, error) {
	jobID := c.Param("id")
	rec, ok := s.daemon.scheduler.Record(jobID)
	if !ok {
		return build.Record{}, fmt.Errorf("%w: unknown job %s", services.ErrNotFound, jobID)
	}
	if requester == "" {
		return build.Record{}, fmt.Errorf("%w: requester is required", services.ErrValidation)
	}
	if !rec.HasRequester(requester) {
		return build.Record{}, build.ErrNotAttached
	}
	return rec, nil
}

func (s *apiServer) handleJob(c echo.Context) error {
	rec, err := s.attachedRecord(c, requesterFrom(c, ""))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.JobResponse{Job: rec})
}

func (s *apiServer) handleJobURL(c echo.Context) error {
	res, err := s.daemon.resolver.URLFor(c.Request().Context(), c.Param("id"), requesterFrom(c, ""))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.ResolveResponse{Resolution: res})
}

func (s *apiServer) handleCancel(c echo.Context) error {
	var req api.CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return s.fail(c, fmt.Errorf("%w: malformed cancel request", services.ErrValidation))
		}
	}
	requester := requesterFrom(c, req.Requester)
	if requester == "" {
		return s.fail(c, fmt.Errorf("%w: requester is required", services.ErrValidation))
	}
	result, err := s.daemon.resolver.Cancel(c.Request().Context(), c.Param("id"), requester)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.CancelResponse{Result: result})
}

func (s *apiServer) handleCancelPath(c echo.Context) error {
	var req api.CancelRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, fmt.Errorf("%w: malformed cancel request", services.ErrValidation))
	}
	result, err := s.daemon.resolver.CancelPath(c.Request().Context(), req.Path, requesterFrom(c, req.Requester))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.CancelResponse{Result: result})
}

// handleJobEvents streams progress as server-sent events, or answers a
// long poll when since is given.
func (s *apiServer) handleJobEvents(c echo.Context) error {
	requester := requesterFrom(c, "")
	rec, err := s.attachedRecord(c, requester)
	if err != nil {
		return s.fail(c, err)
	}
	if c.QueryParams().Has("since") {
		return s.pollJobEvents(c, rec)
	}
	return s.streamJobEvents(c, rec, requester)
}

func (s *apiServer) pollJobEvents(c echo.Context, rec build.Record) error {
	query := c.QueryParams()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	var wait time.Duration
	if raw := strings.TrimSpace(query.Get("wait")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return s.fail(c, fmt.Errorf("%w: invalid wait %q", services.ErrValidation, raw))
		}
		wait = min(parsed, maxPollWait)
	}

	if !s.ownsStream(rec) {
		return s.pollFromRecord(c, rec, since, wait)
	}
	page, err := s.daemon.events.Poll(c.Request().Context(), rec.Fingerprint, since, limit, wait)
	if err != nil && !services.IsCanceled(err) {
		return s.fail(c, err)
	}
	resp := api.EventsResponse{Next: page.Next, Done: page.Done}
	for _, evt := range page.Events {
		if evt.JobID == rec.ID {
			resp.Events = append(resp.Events, evt)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// ownsStream reports whether the fingerprint's event stream still carries
// rec's job. A stream taken over by a newer attempt, or already released,
// cannot answer for rec.
func (s *apiServer) ownsStream(rec build.Record) bool {
	latest, ok := s.daemon.events.Latest(rec.Fingerprint)
	return ok && latest.JobID == rec.ID
}

// pollFromRecord answers a poll for a job whose stream is gone with the
// job's terminal event, waiting up to wait for a job that is still winding
// down.
func (s *apiServer) pollFromRecord(c echo.Context, rec build.Record, since uint64, wait time.Duration) error {
	if !rec.State.Terminal() {
		if wait <= 0 {
			return c.JSON(http.StatusOK, api.EventsResponse{Next: since})
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
		defer cancel()
		finished, err := s.daemon.scheduler.Wait(ctx, rec.ID)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || services.IsCanceled(err):
			return c.JSON(http.StatusOK, api.EventsResponse{Next: since})
		case err != nil:
			return s.fail(c, err)
		}
		rec = finished
	}
	evt := terminalEvent(rec, since+1)
	return c.JSON(http.StatusOK, api.EventsResponse{Events: []progress.Event{evt}, Next: evt.Sequence, Done: true})
}

// terminalEvent rebuilds a finished job's final event from its record.
func terminalEvent(rec build.Record, seq uint64) progress.Event {
	evt := progress.Event{
		Sequence:       seq,
		Type:           progress.EventType(rec.State),
		JobID:          rec.ID,
		Fingerprint:    rec.Fingerprint,
		Timestamp:      rec.CompletedAt,
		Phase:          rec.Phase,
		Percent:        rec.Percent,
		ProcessedBytes: rec.ProcessedBytes,
		TotalBytes:     rec.SourceTotalBytes,
		Reason:         rec.Reason,
		Message:        rec.Error,
	}
	if rec.State == build.StateReady {
		evt.Percent = 100
		evt.ArtifactName = rec.ArtifactName
		evt.ArtifactBytes = rec.ArtifactSizeBytes
	}
	return evt
}

func (s *apiServer) streamJobEvents(c echo.Context, rec build.Record, requester string) error {
	ctx := c.Request().Context()
	sub, err := s.daemon.events.Subscribe(rec.Fingerprint, requester)
	switch {
	case err == nil && sub.JobID != rec.ID:
		sub.Close()
		sub = nil
	case err != nil && !errors.Is(err, services.ErrNotFound):
		return s.fail(c, err)
	}

	var final *progress.Event
	if sub == nil {
		if !rec.State.Terminal() {
			if rec, err = s.daemon.scheduler.Wait(ctx, rec.ID); err != nil {
				if services.IsCanceled(err) {
					return nil
				}
				return s.fail(c, err)
			}
		}
		evt := terminalEvent(rec, 1)
		final = &evt
	} else {
		defer sub.Close()
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	if final != nil {
		_ = writeServerEvent(w, *final)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if evt.JobID != rec.ID {
				continue
			}
			if err := writeServerEvent(w, evt); err != nil {
				return nil
			}
		}
	}
}

func writeServerEvent(w *echo.Response, evt progress.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Sequence, evt.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *apiServer) handleCacheStats(c echo.Context) error {
	stats, err := s.daemon.cache.Stats(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.CacheStatsResponse{Stats: stats})
}

func (s *apiServer) handleCacheEntries(c echo.Context) error {
	entries, err := s.daemon.cache.List(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.CacheEntriesResponse{Entries: entries})
}

func (s *apiServer) handleCacheSweep(c echo.Context) error {
	result, err := s.daemon.cache.Sweep(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, api.SweepResponse{Result: result})
}

func (s *apiServer) handleCacheEvict(c echo.Context) error {
	fp, err := parseFingerprint(c.Param("fingerprint"))
	if err != nil {
		return s.fail(c, err)
	}
	if s.daemon.scheduler.Building(fp) {
		return s.fail(c, fmt.Errorf("%w: a build for %s is in flight", services.ErrValidation, fp.Short()))
	}
	evicted, err := s.daemon.cache.Evict(c.Request().Context(), fp)
	if err != nil {
		return s.fail(c, err)
	}
	if evicted {
		s.daemon.scheduler.Invalidate(fp, "")
	}
	return c.JSON(http.StatusOK, api.EvictResponse{Evicted: evicted})
}

func (s *apiServer) handleLogs(c echo.Context) error {
	hub := s.daemon.LogStream()
	if hub == nil {
		return c.JSON(http.StatusOK, api.LogStreamResponse{})
	}

	query := c.QueryParams()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	follow := truthy(query.Get("follow"))
	tail := truthy(query.Get("tail"))
	component := strings.TrimSpace(query.Get("component"))
	jobID := strings.TrimSpace(query.Get("job"))

	var (
		events []logging.LogEvent
		next   uint64
	)
	if tail && since == 0 && !follow {
		events, next = hub.Tail(limit)
	} else {
		var err error
		events, next, err = hub.Fetch(c.Request().Context(), since, limit, follow)
		if err != nil && !services.IsCanceled(err) {
			return s.fail(c, err)
		}
	}

	filtered := make([]logging.LogEvent, 0, len(events))
	for _, evt := range events {
		if component != "" && !strings.EqualFold(component, evt.Component) {
			continue
		}
		if jobID != "" && evt.JobID != jobID {
			continue
		}
		filtered = append(filtered, evt)
	}
	return c.JSON(http.StatusOK, api.LogStreamResponse{Events: filtered, Next: next})
}

func truthy(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}
