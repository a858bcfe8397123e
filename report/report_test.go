package report

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/gitbook2pdf/models"
)

func sampleFailures() []models.Failure {
	return []models.Failure{
		{URL: "https://b.test/slow.html", Kind: models.JobPage, ErrorKind: models.KindTimeout, Attempts: 4, Message: "deadline exceeded"},
		{URL: "https://b.test/bad.png", Kind: models.JobAsset, ErrorKind: models.KindAssetDecode, Attempts: 1,
			ReferringPage: "https://b.test/intro.html", Message: "unsupported asset, with comma"},
	}
}

func sampleSummary() *Summary {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &Summary{
		Title:   "Field Guide",
		RootURL: "https://b.test/",
		RunID:   "run-1",
		Output:  "guide.pdf",
		Pages:   14,
		Result: &models.CrawlResult{
			StartTime:     start,
			EndTime:       start.Add(2500 * time.Millisecond),
			PagesFetched:  9,
			PagesFailed:   1,
			AssetsFetched: 3,
			AssetsFailed:  1,
			RequestCount:  17,
			RetryCount:    3,
			ErrorsByKind:  map[models.ErrorKind]int{models.KindTimeout: 1, models.KindAssetDecode: 1},
		},
		Failures: sampleFailures(),
	}
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, sampleSummary()); err != nil {
		t.Fatalf("write markdown: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Field Guide",
		"https://b.test/",
		"2.5s",
		"partial",
		"## Fetch Summary",
		"1 page(s) could not be retrieved",
		"## Errors",
		"mermaid",
		"asset_decode",
		"## Failures",
		"https://b.test/slow.html",
		"https://b.test/intro.html",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}
}

func TestWriteMarkdownCleanRun(t *testing.T) {
	s := sampleSummary()
	s.Result.PagesFailed, s.Result.AssetsFailed = 0, 0
	s.Result.ErrorsByKind = nil
	s.Failures = nil

	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, s); err != nil {
		t.Fatalf("write markdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Every page and image was retrieved") {
		t.Fatalf("expected success tip:\n%s", out)
	}
	if strings.Contains(out, "## Failures") || strings.Contains(out, "## Errors") {
		t.Fatalf("unexpected failure sections:\n%s", out)
	}
}

func TestWriteMarkdownRequiresResult(t *testing.T) {
	if err := WriteMarkdown(&bytes.Buffer{}, &Summary{}); err == nil {
		t.Fatal("expected error without a crawl result")
	}
}

func TestSummaryStatus(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    string
	}{
		{"complete", Summary{Result: &models.CrawlResult{}}, "complete"},
		{"partial", Summary{Result: &models.CrawlResult{AssetsFailed: 1}}, "partial"},
		{"render", Summary{Result: &models.CrawlResult{}, RenderError: "boom"}, "render failed"},
		{"interrupted", Summary{Result: &models.CrawlResult{PagesFailed: 2}, Interrupted: true}, "interrupted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.Status(); got != tt.want {
				t.Fatalf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExportFailures(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	paths, err := ExportFailures(dir, sampleFailures())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected two files, got %v", paths)
	}

	f, err := os.Open(paths[0])
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[2][0] != "asset" || records[2][5] != "unsupported asset, with comma" {
		t.Fatalf("unexpected csv row %v", records[2])
	}

	jf, err := os.Open(paths[1])
	if err != nil {
		t.Fatalf("open jsonl: %v", err)
	}
	defer jf.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(jf)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 json lines, got %d", len(lines))
	}
	if lines[0]["job"] != "page" || lines[0]["error_kind"] != "timeout" {
		t.Fatalf("unexpected json record %v", lines[0])
	}
}

func TestExportFailuresNothingToWrite(t *testing.T) {
	dir := t.TempDir()
	paths, err := ExportFailures(dir, nil)
	if err != nil || paths != nil {
		t.Fatalf("expected no export, got %v %v", paths, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}
}
