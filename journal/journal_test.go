package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/gitbook2pdf/models"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), t.TempDir(), "https://b.test/")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "tmp")
	j, err := Open(context.Background(), dir, "https://b.test/")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if j.RunID() == "" {
		t.Fatal("expected a run id")
	}
	if j.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("unexpected path %q", j.Path())
	}
}

func TestReopenStartsNewRun(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(context.Background(), dir, "https://b.test/")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := first.Record(context.Background(), models.FetchResult{
		Job: models.PageJob("https://b.test/a.html"), Err: errors.New("boom"), Kind: models.KindConnection,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	first.Close()

	second, err := Open(context.Background(), dir, "https://b.test/")
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer second.Close()

	if second.RunID() == first.RunID() {
		t.Fatal("expected a fresh run id")
	}
	failures, err := second.Failures(context.Background())
	if err != nil {
		t.Fatalf("failures: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("expected failures scoped to the new run, got %d", len(failures))
	}
}

func TestRecordAndFailures(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	results := []models.FetchResult{
		{Job: models.PageJob("https://b.test/ok.html"), StatusCode: 200, Attempts: 1, Duration: 12 * time.Millisecond},
		{Job: models.PageJob("https://b.test/slow.html"), Attempts: 4, Err: errors.New("deadline"), Kind: models.KindTimeout},
		{Job: models.AssetJob("https://b.test/logo.png", "https://b.test/ok.html", "assets/x.png"), StatusCode: 200, Attempts: 1},
		{Job: models.AssetJob("https://b.test/logo.png", "https://b.test/b.html", "assets/x.png"), Skipped: true},
		{Job: models.AssetJob("https://b.test/bad.png", "https://b.test/ok.html", "assets/y.png"), StatusCode: 200, Attempts: 1,
			Err: errors.New("not an image"), Kind: models.KindAssetDecode},
	}
	for _, res := range results {
		if err := j.Record(ctx, res); err != nil {
			t.Fatalf("record %s: %v", res.Job.URL, err)
		}
	}

	failures, err := j.Failures(ctx)
	if err != nil {
		t.Fatalf("failures: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %+v", failures)
	}
	page, asset := failures[0], failures[1]
	if page.Kind != models.JobPage || page.URL != "https://b.test/slow.html" || page.ErrorKind != models.KindTimeout || page.Attempts != 4 {
		t.Fatalf("unexpected page failure %+v", page)
	}
	if asset.Kind != models.JobAsset || asset.ErrorKind != models.KindAssetDecode || asset.ReferringPage != "https://b.test/ok.html" {
		t.Fatalf("unexpected asset failure %+v", asset)
	}
	if asset.Message != "not an image" {
		t.Fatalf("unexpected message %q", asset.Message)
	}

	ok, failed, skipped, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if ok != 2 || failed != 2 || skipped != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/2/1", ok, failed, skipped)
	}
}

func TestRecordAfterCancel(t *testing.T) {
	j := openTestJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := j.Record(ctx, models.FetchResult{
		Job: models.PageJob("https://b.test/late.html"), Err: context.Canceled, Kind: models.KindCancelled,
	})
	if err != nil {
		t.Fatalf("record after cancel: %v", err)
	}
	failures, err := j.Failures(context.Background())
	if err != nil || len(failures) != 1 || failures[0].ErrorKind != models.KindCancelled {
		t.Fatalf("unexpected failures %+v (%v)", failures, err)
	}
}

func TestConcurrentRecord(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := models.FetchResult{Job: models.PageJob("https://b.test/p.html"), Attempts: 1}
			if i%4 == 0 {
				res.Err, res.Kind = errors.New("503"), models.KindHTTPError
			}
			if err := j.Record(ctx, res); err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	ok, failed, _, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if ok != 15 || failed != 5 {
		t.Fatalf("counts = %d/%d, want 15/5", ok, failed)
	}
}

func TestFinish(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	if err := j.Finish(ctx, nil); err == nil {
		t.Fatal("expected error for nil result")
	}
	if err := j.Finish(ctx, &models.CrawlResult{PagesFetched: 9, PagesFailed: 1, RequestCount: 12}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	var pages, failed, requests int
	err := j.db.QueryRowContext(ctx,
		`SELECT pages_fetched, pages_failed, requests FROM runs WHERE id = ?`, j.RunID()).Scan(&pages, &failed, &requests)
	if err != nil {
		t.Fatalf("query run: %v", err)
	}
	if pages != 9 || failed != 1 || requests != 12 {
		t.Fatalf("run totals = %d/%d/%d", pages, failed, requests)
	}
}
