package daemon_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"zipline/internal/api"
	"zipline/internal/artifactcache"
	"zipline/internal/build"
	"zipline/internal/config"
	"zipline/internal/daemon"
	"zipline/internal/delivery"
	"zipline/internal/logging"
	"zipline/internal/progress"
	"zipline/internal/services"
	"zipline/internal/testsupport"
)

type apiEnv struct {
	cfg    *config.Config
	daemon *daemon.Daemon
	server *httptest.Server
}

func newAPIEnv(t *testing.T, opts ...testsupport.ConfigOption) *apiEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	testsupport.WriteTree(t, cfg.Paths.SourceRoot, map[string]int64{
		"Packs/House/kick.wav":       12000,
		"Packs/House/loops/bass.wav": 30000,
		"Packs/House/empty/":         0,
	})
	d := newDaemon(t, cfg)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{cfg: cfg, daemon: d, server: srv}
}

func (e *apiEnv) client(t *testing.T, requester string, opts ...api.ClientOption) *api.Client {
	t.Helper()
	opts = append([]api.ClientOption{api.WithRequester(requester)}, opts...)
	c, err := api.NewClient(e.server.URL, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// localURL points a signed link issued for the configured base URL at the
// test server.
func (e *apiEnv) localURL(t *testing.T, link string) string {
	t.Helper()
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return e.server.URL + parsed.RequestURI()
}

func (e *apiEnv) resolveReady(t *testing.T, c *api.Client) delivery.Resolution {
	t.Helper()
	ctx := context.Background()
	resp, err := c.Resolve(ctx, "/Packs/House")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Resolution.Status != delivery.StatusQueued {
		t.Fatalf("expected queued on cold cache, got %+v", resp.Resolution)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rec, err := e.daemon.Scheduler().Wait(waitCtx, resp.Resolution.JobID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.State != build.StateReady {
		t.Fatalf("build finished %s: %s", rec.State, rec.Error)
	}
	return resp.Resolution
}

func TestResolveBuildAndDownload(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.client(t, "alice")
	ctx := context.Background()

	queued := env.resolveReady(t, alice)

	job, err := alice.Job(ctx, queued.JobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Job.Percent != 100 || job.Job.SourceTotalBytes != 42000 {
		t.Fatalf("unexpected job record: %+v", job.Job)
	}

	link, err := alice.URL(ctx, queued.JobID)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.HasPrefix(link.Resolution.URL, "http://zipline.test/download/") {
		t.Fatalf("unexpected link %q", link.Resolution.URL)
	}

	resp, err := http.Get(env.localURL(t, link.Resolution.URL))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), link.Resolution.ArtifactName) {
		t.Fatalf("missing attachment name: %q", resp.Header.Get("Content-Disposition"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	want := []string{"empty/", "kick.wav", "loops/", "loops/bass.wav"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("archive entries = %v, want %v", names, want)
	}

	again, err := alice.Resolve(ctx, "/Packs/House")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again.Resolution.Status != delivery.StatusArtifactReady || again.Resolution.Tier != artifactcache.TierHot {
		t.Fatalf("expected hot hit, got %+v", again.Resolution)
	}
}

func TestJobEventsLongPoll(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.client(t, "alice")
	queued := env.resolveReady(t, alice)

	page, err := alice.Events(context.Background(), queued.JobID, 0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if !page.Done || len(page.Events) < 2 {
		t.Fatalf("expected a finished stream, got %+v", page)
	}
	if page.Events[0].Type != progress.EventQueued {
		t.Fatalf("first event %s, want queued", page.Events[0].Type)
	}
	last := page.Events[len(page.Events)-1]
	if last.Type != progress.EventReady || last.Percent != 100 {
		t.Fatalf("last event %+v, want ready at 100", last)
	}
	var prev float64
	for _, evt := range page.Events {
		if evt.Percent < prev {
			t.Fatalf("percent regressed: %v after %v", evt.Percent, prev)
		}
		prev = evt.Percent
	}

	tail, err := alice.Events(context.Background(), queued.JobID, page.Next, 0)
	if err != nil {
		t.Fatalf("Events after end: %v", err)
	}
	if len(tail.Events) != 0 || !tail.Done {
		t.Fatalf("expected empty finished page, got %+v", tail)
	}
}

func TestJobEventsServerSentStream(t *testing.T) {
	env := newAPIEnv(t)
	queued := env.resolveReady(t, env.client(t, "alice"))

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/jobs/"+queued.JobID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(api.RequesterHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(body), "event: ready") {
		t.Fatalf("stream missing terminal event:\n%s", body)
	}
}

func TestFinishedJobEventsAfterNewerAttempt(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.client(t, "alice")
	first := env.resolveReady(t, alice)
	ctx := context.Background()

	if _, err := alice.Evict(ctx, string(first.Fingerprint)); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	second, err := env.client(t, "bob").Resolve(ctx, "/Packs/House")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.Resolution.JobID == first.JobID {
		t.Fatalf("expected a new attempt after eviction, got %+v", second.Resolution)
	}

	page, err := alice.Events(ctx, first.JobID, 0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if !page.Done || len(page.Events) != 1 {
		t.Fatalf("expected the finished job's terminal event, got %+v", page)
	}
	if evt := page.Events[0]; evt.JobID != first.JobID || evt.Type != progress.EventReady || evt.Percent != 100 {
		t.Fatalf("unexpected terminal event %+v", evt)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/jobs/"+first.JobID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(api.RequesterHeader, "alice")
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(reqCtx))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(string(body), "event: ready") || !strings.Contains(string(body), first.JobID) {
		t.Fatalf("stream missing the finished job's terminal event:\n%s", body)
	}
	if strings.Contains(string(body), second.Resolution.JobID) {
		t.Fatalf("stream leaked the newer attempt:\n%s", body)
	}
}

func TestStrangerIsNotAttached(t *testing.T) {
	env := newAPIEnv(t)
	queued := env.resolveReady(t, env.client(t, "alice"))
	bob := env.client(t, "bob")
	ctx := context.Background()

	if _, err := bob.Job(ctx, queued.JobID); !errors.Is(err, build.ErrNotAttached) {
		t.Fatalf("Job: expected not attached, got %v", err)
	}
	if _, err := bob.URL(ctx, queued.JobID); !errors.Is(err, build.ErrNotAttached) {
		t.Fatalf("URL: expected not attached, got %v", err)
	}
	if _, err := bob.Cancel(ctx, queued.JobID); !errors.Is(err, build.ErrNotAttached) {
		t.Fatalf("Cancel: expected not attached, got %v", err)
	}
	if _, err := bob.Job(ctx, "no-such-job"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveValidation(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()

	if _, err := env.client(t, "").Resolve(ctx, "/Packs/House"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("missing requester: got %v", err)
	}
	if _, err := env.client(t, "alice").Resolve(ctx, "/Packs/Missing"); !errors.Is(err, services.ErrSourceUnreadable) {
		t.Fatalf("missing folder: got %v", err)
	}

	resp, err := http.Post(env.server.URL+"/api/resolve", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status %d", resp.StatusCode)
	}
	var payload api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != api.CodeValidation {
		t.Fatalf("unexpected code %q", payload.Code)
	}
}

func TestDownloadRejectsBadLinks(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.client(t, "alice")
	queued := env.resolveReady(t, alice)
	link, err := alice.URL(context.Background(), queued.JobID)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	good := env.localURL(t, link.Resolution.URL)

	tests := []struct {
		name   string
		mutate func(url.Values)
		status int
	}{
		{"tampered requester", func(q url.Values) { q.Set("r", "mallory") }, http.StatusForbidden},
		{"tampered signature", func(q url.Values) { q.Set("s", strings.Repeat("0", 64)) }, http.StatusForbidden},
		{"missing expiry", func(q url.Values) { q.Del("e") }, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, _ := url.Parse(good)
			q := parsed.Query()
			tt.mutate(q)
			parsed.RawQuery = q.Encode()
			resp, err := http.Get(parsed.String())
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	if _, err := env.daemon.Cache().Evict(context.Background(), queued.Fingerprint); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	resp, err := http.Get(good)
	if err != nil {
		t.Fatalf("get evicted: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("evicted artifact status %d, want 404", resp.StatusCode)
	}
}

func TestBearerTokenGuardsAPI(t *testing.T) {
	env := newAPIEnv(t, testsupport.WithAPIToken("s3cret"))
	ctx := context.Background()

	_, err := env.client(t, "alice").Health(ctx)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	if _, err := env.client(t, "alice", api.WithToken("wrong")).Health(ctx); err == nil {
		t.Fatal("expected wrong token to be rejected")
	}
	health, err := env.client(t, "alice", api.WithToken("s3cret")).Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestCacheEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	alice := env.client(t, "alice")
	queued := env.resolveReady(t, alice)
	ctx := context.Background()

	stats, err := alice.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	if stats.Stats.Entries != 1 || stats.Stats.HotEntries != 1 {
		t.Fatalf("unexpected stats %+v", stats.Stats)
	}

	entries, err := alice.CacheEntries(ctx)
	if err != nil {
		t.Fatalf("CacheEntries: %v", err)
	}
	if len(entries.Entries) != 1 || entries.Entries[0].Fingerprint != queued.Fingerprint {
		t.Fatalf("unexpected entries %+v", entries.Entries)
	}

	if _, err := alice.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := alice.Evict(ctx, "not-a-fingerprint"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	evicted, err := alice.Evict(ctx, string(queued.Fingerprint))
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if !evicted.Evicted {
		t.Fatal("expected entry to be evicted")
	}
	again, err := alice.Evict(ctx, string(queued.Fingerprint))
	if err != nil {
		t.Fatalf("second Evict: %v", err)
	}
	if again.Evicted {
		t.Fatal("second evict should be a no-op")
	}
}

func TestLogsEndpointFilters(t *testing.T) {
	env := newAPIEnv(t)
	hub := env.daemon.LogStream()
	hub.Publish(logging.LogEvent{Message: "build started", Component: "build", JobID: "job-1"})
	hub.Publish(logging.LogEvent{Message: "sweep finished", Component: "artifactcache"})
	hub.Publish(logging.LogEvent{Message: "build finished", Component: "build", JobID: "job-2"})

	c := env.client(t, "alice")
	ctx := context.Background()

	page, err := c.Logs(ctx, api.LogQuery{Component: "build"})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 build events, got %+v", page.Events)
	}
	if page.Next == 0 {
		t.Fatal("expected cursor")
	}

	page, err = c.Logs(ctx, api.LogQuery{JobID: "job-2", Tail: true})
	if err != nil {
		t.Fatalf("Logs tail: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].Message != "build finished" {
		t.Fatalf("unexpected job filter result %+v", page.Events)
	}
}
