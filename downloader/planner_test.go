package downloader

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"terastream/internal"
	"terastream/utils"
)

func newTestPlanner() (*DownloadPlanner, *utils.FileOperations) {
	fileOps := utils.NewFileOperations(afero.NewMemMapFs())
	return NewDownloadPlanner(fileOps), fileOps
}

func testFileMeta() *internal.FileMetadata {
	return &internal.FileMetadata{
		FsID:     "123456",
		Filename: "video.mp4",
		Size:     1000,
		Checksum: "d41d8cd98f00b204e9800998ecf8427e",
	}
}

func writePart(t *testing.T, fileOps *utils.FileOperations, outputPath string, n int) {
	t.Helper()
	if err := afero.WriteFile(fileOps.Fs(), outputPath+utils.PartSuffix, []byte(strings.Repeat("x", n)), 0644); err != nil {
		t.Fatalf("failed to write part file: %v", err)
	}
}

func TestDownloadPlanner_SaveAndLoadResumeMetadata(t *testing.T) {
	planner, _ := newTestPlanner()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	planner.now = func() time.Time { return fixed }

	meta := testFileMeta()
	if err := planner.SaveResumeMetadata("/downloads/video.mp4", "abc123", meta); err != nil {
		t.Fatalf("SaveResumeMetadata failed: %v", err)
	}

	loaded, err := planner.LoadResumeMetadata("/downloads/video.mp4")
	if err != nil {
		t.Fatalf("LoadResumeMetadata failed: %v", err)
	}

	if loaded.ShareID != "abc123" {
		t.Errorf("Expected share id abc123, got %s", loaded.ShareID)
	}
	if loaded.File != *meta {
		t.Errorf("Expected file %+v, got %+v", *meta, loaded.File)
	}
	if !loaded.CreatedAt.Equal(fixed) || !loaded.LastUpdate.Equal(fixed) {
		t.Errorf("Expected timestamps %v, got %v / %v", fixed, loaded.CreatedAt, loaded.LastUpdate)
	}
}

func TestDownloadPlanner_LoadResumeMetadata_Errors(t *testing.T) {
	planner, fileOps := newTestPlanner()

	if _, err := planner.LoadResumeMetadata("/missing.bin"); err == nil {
		t.Error("Expected error for missing sidecar")
	}

	afero.WriteFile(fileOps.Fs(), "/broken.bin"+ResumeMetadataExt, []byte("{not json"), 0644)
	if _, err := planner.LoadResumeMetadata("/broken.bin"); err == nil {
		t.Error("Expected error for corrupt sidecar")
	}
}

func TestDownloadPlanner_DetectResumableDownload(t *testing.T) {
	const out = "/downloads/video.mp4"

	tests := []struct {
		name      string
		sidecar   bool
		partBytes int // -1 for no part file
		wantData  bool
		wantErr   bool
	}{
		{"nothing_on_disk", false, -1, false, false},
		{"part_without_sidecar", false, 100, false, false},
		{"sidecar_without_part", true, -1, false, false},
		{"sidecar_and_part", true, 100, true, false},
		{"part_larger_than_file", true, 2000, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, fileOps := newTestPlanner()
			if tt.sidecar {
				if err := planner.SaveResumeMetadata(out, "abc123", testFileMeta()); err != nil {
					t.Fatalf("SaveResumeMetadata failed: %v", err)
				}
			}
			if tt.partBytes >= 0 {
				writePart(t, fileOps, out, tt.partBytes)
			}

			data, err := planner.DetectResumableDownload(out)
			if tt.wantErr != (err != nil) {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantData != (data != nil) {
				t.Errorf("Expected resume data=%v, got %+v", tt.wantData, data)
			}
		})
	}
}

func TestDownloadPlanner_ValidateResumeCompatibility(t *testing.T) {
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	base := func() *internal.ResumeMetadata {
		return &internal.ResumeMetadata{
			ShareID:    "abc123",
			File:       *testFileMeta(),
			CreatedAt:  now.Add(-time.Hour),
			LastUpdate: now.Add(-time.Hour),
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string
		wantErr string
	}{
		{
			name:   "compatible",
			mutate: func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string { return "abc123" },
		},
		{
			name:    "different_share",
			mutate:  func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string { return "zzz999" },
			wantErr: "share changed",
		},
		{
			name: "size_changed",
			mutate: func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string {
				cur.Size = 2000
				return "abc123"
			},
			wantErr: "file size changed",
		},
		{
			name: "checksum_changed",
			mutate: func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string {
				cur.Checksum = "ffffffffffffffffffffffffffffffff"
				return "abc123"
			},
			wantErr: "checksum changed",
		},
		{
			name: "missing_checksum_is_ignored",
			mutate: func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string {
				cur.Checksum = ""
				return "abc123"
			},
		},
		{
			name: "renamed_file_still_compatible",
			mutate: func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string {
				cur.Filename = "other.mp4"
				return "abc123"
			},
		},
		{
			name: "too_old",
			mutate: func(r *internal.ResumeMetadata, cur *internal.FileMetadata) string {
				r.LastUpdate = now.Add(-8 * 24 * time.Hour)
				return "abc123"
			},
			wantErr: "too old",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner, _ := newTestPlanner()
			planner.now = func() time.Time { return now }

			resume := base()
			current := testFileMeta()
			shareID := tt.mutate(resume, current)

			err := planner.ValidateResumeCompatibility(resume, shareID, current)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected compatible, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDownloadPlanner_Plan(t *testing.T) {
	const out = "/downloads/video.mp4"

	t.Run("fresh_download_writes_sidecar", func(t *testing.T) {
		planner, fileOps := newTestPlanner()

		plan, err := planner.Plan(out, "abc123", testFileMeta())
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if plan.Resume || plan.Offset != 0 {
			t.Errorf("Expected fresh plan, got %+v", plan)
		}
		if !fileOps.FileExists(out + ResumeMetadataExt) {
			t.Error("Expected sidecar to be written")
		}
	})

	t.Run("compatible_part_is_resumed", func(t *testing.T) {
		planner, fileOps := newTestPlanner()
		planner.SaveResumeMetadata(out, "abc123", testFileMeta())
		writePart(t, fileOps, out, 400)

		plan, err := planner.Plan(out, "abc123", testFileMeta())
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if !plan.Resume || plan.Offset != 400 {
			t.Errorf("Expected resume at 400, got %+v", plan)
		}
	})

	t.Run("incompatible_part_is_discarded", func(t *testing.T) {
		planner, fileOps := newTestPlanner()
		planner.SaveResumeMetadata(out, "other1", testFileMeta())
		writePart(t, fileOps, out, 400)

		plan, err := planner.Plan(out, "abc123", testFileMeta())
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if plan.Resume {
			t.Errorf("Expected fresh plan, got %+v", plan)
		}
		if fileOps.FileExists(out + utils.PartSuffix) {
			t.Error("Expected stale part file to be removed")
		}

		loaded, err := planner.LoadResumeMetadata(out)
		if err != nil {
			t.Fatalf("LoadResumeMetadata failed: %v", err)
		}
		if loaded.ShareID != "abc123" {
			t.Errorf("Expected sidecar rewritten for abc123, got %s", loaded.ShareID)
		}
	})

	t.Run("orphan_part_is_discarded", func(t *testing.T) {
		planner, fileOps := newTestPlanner()
		writePart(t, fileOps, out, 400)

		plan, err := planner.Plan(out, "abc123", testFileMeta())
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if plan.Resume {
			t.Errorf("Expected fresh plan, got %+v", plan)
		}
		if fileOps.FileExists(out + utils.PartSuffix) {
			t.Error("Expected orphan part file to be removed")
		}
	})
}

func TestDownloadPlanner_Cleanup(t *testing.T) {
	const out = "/downloads/video.mp4"
	planner, fileOps := newTestPlanner()
	planner.SaveResumeMetadata(out, "abc123", testFileMeta())
	writePart(t, fileOps, out, 10)

	if err := planner.Cleanup(out); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if fileOps.FileExists(out+utils.PartSuffix) || fileOps.FileExists(out+ResumeMetadataExt) {
		t.Error("Expected part file and sidecar to be removed")
	}

	// Cleaning up twice is fine
	if err := planner.CleanupResumeMetadata(out); err != nil {
		t.Errorf("Expected no error on second cleanup, got %v", err)
	}
}
