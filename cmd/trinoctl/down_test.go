package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/trinoctl/internal/resources"
)

func TestPrintRemovalReportListsOutcomes(t *testing.T) {
	report := &resources.Report{
		Removed: []resources.Resource{
			{Kind: resources.KindContainer, Name: "trinoctl-hive-1", Labels: map[string]string{
				resources.LabelRoot:          resources.LabelRootValue,
				resources.ModuleLabel("hive"): "catalog",
			}},
			{Kind: resources.KindVolume, Name: "metastore-data", Labels: map[string]string{
				resources.LabelRoot: resources.LabelRootValue,
			}},
		},
		Skipped: []resources.Resource{
			{Kind: resources.KindVolume, Name: "user-data"},
		},
	}

	var buf bytes.Buffer
	printRemovalReport(&buf, report, false)
	out := buf.String()

	for _, want := range []string{"trinoctl-hive-1", "metastore-data", "hive", "Skipped (unmanaged)", "Removed 2 resource(s), skipped 1 unmanaged"} {
		if !strings.Contains(out, want) {
			t.Errorf("report output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRemovalReportDryRun(t *testing.T) {
	report := &resources.Report{
		Removed: []resources.Resource{
			{Kind: resources.KindNetwork, Name: "trinoctl_default", Labels: map[string]string{
				resources.LabelRoot: resources.LabelRootValue,
			}},
		},
	}

	var buf bytes.Buffer
	printRemovalReport(&buf, report, true)
	if !strings.Contains(buf.String(), "Would remove 1 resource(s)") {
		t.Fatalf("dry-run verb missing:\n%s", buf.String())
	}
}

func TestPrintRemovalReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	printRemovalReport(&buf, &resources.Report{}, false)
	if !strings.Contains(buf.String(), "Nothing matched the selector.") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
