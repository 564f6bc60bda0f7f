package main

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mixstream/engage-export/pkg/export"
)

func TestSplitProperties(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "$name", []string{"$name"}},
		{"multiple", "$name,$email,plan", []string{"$name", "$email", "plan"}},
		{"whitespace", " $name , plan ", []string{"$name", "plan"}},
		{"trailing comma", "$name,", []string{"$name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitProperties(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitProperties(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRenderProgress(t *testing.T) {
	three := 3

	tests := []struct {
		name     string
		progress export.PageProgress
		contains []string
	}{
		{
			name: "success with known total",
			progress: export.PageProgress{
				PageIndex: 0, TotalPages: &three, Rows: 100, Success: true, CumulativeRows: 100,
			},
			contains: []string{"page 1/3", "100 rows"},
		},
		{
			name: "success with unknown total",
			progress: export.PageProgress{
				PageIndex: 1, Rows: 50, Success: true, CumulativeRows: 150,
			},
			contains: []string{"page 2/?", "150 total"},
		},
		{
			name: "failure",
			progress: export.PageProgress{
				PageIndex: 2, TotalPages: &three, Success: false, Error: "connection reset",
			},
			contains: []string{"page 3/3", "FAILED", "connection reset"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderProgress(tt.progress)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("renderProgress() = %q, want it to contain %q", got, want)
				}
			}
		})
	}
}

func TestRenderSummary(t *testing.T) {
	result := &export.ExportResult{
		Table:             "profiles",
		TotalRows:         1500,
		SuccessfulPages:   2,
		FailedPages:       1,
		FailedPageIndices: []int{1},
		Duration:          2500 * time.Millisecond,
	}

	got := renderSummary(result)
	for _, want := range []string{"1500 rows", `"profiles"`, "2 succeeded", "1 failed", "[1]"} {
		if !strings.Contains(got, want) {
			t.Errorf("renderSummary() = %q, want it to contain %q", got, want)
		}
	}
}
