package downloader

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"terastream/internal"
	"terastream/utils"
)

const (
	// ResumeMetadataExt is the file extension for resume metadata files
	ResumeMetadataExt = ".terastream.json"
	// maxResumeAge is how long a partial download stays resumable
	maxResumeAge = 7 * 24 * time.Hour
)

// ResumePlan says where a fetch starts
type ResumePlan struct {
	Offset int64
	Resume bool
}

// DownloadPlanner decides whether a partial download can be continued
type DownloadPlanner struct {
	fileOps *utils.FileOperations
	now     func() time.Time
}

// NewDownloadPlanner creates a planner working on fileOps
func NewDownloadPlanner(fileOps *utils.FileOperations) *DownloadPlanner {
	return &DownloadPlanner{
		fileOps: fileOps,
		now:     time.Now,
	}
}

// Plan inspects the .part file and sidecar for outputPath. Incompatible or
// stale state is removed and a fresh download is planned.
func (p *DownloadPlanner) Plan(outputPath, shareID string, meta *internal.FileMetadata) (*ResumePlan, error) {
	resumeData, err := p.DetectResumableDownload(outputPath)
	if err != nil {
		internal.LogWarn("%v", err)
		resumeData = nil
	}

	if resumeData != nil {
		if err := p.ValidateResumeCompatibility(resumeData, shareID, meta); err != nil {
			internal.LogInfo("Resume validation failed: %v, starting fresh download", err)
			resumeData = nil
		}
	}

	if resumeData == nil {
		if err := p.Cleanup(outputPath); err != nil {
			return nil, err
		}
		if err := p.SaveResumeMetadata(outputPath, shareID, meta); err != nil {
			return nil, err
		}
		return &ResumePlan{}, nil
	}

	size, err := p.fileOps.GetFileSize(outputPath + utils.PartSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to stat part file: %w", err)
	}
	return &ResumePlan{Offset: size, Resume: size > 0}, nil
}

// SaveResumeMetadata writes the sidecar describing the download in progress
func (p *DownloadPlanner) SaveResumeMetadata(outputPath, shareID string, meta *internal.FileMetadata) error {
	now := p.now()
	resumeData := &internal.ResumeMetadata{
		ShareID:    shareID,
		File:       *meta,
		CreatedAt:  now,
		LastUpdate: now,
	}

	data, err := sonic.ConfigStd.MarshalIndent(resumeData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resume metadata: %w", err)
	}

	if err := p.fileOps.WriteFileAtomic(outputPath+ResumeMetadataExt, data); err != nil {
		return fmt.Errorf("failed to write resume metadata: %w", err)
	}
	return nil
}

// LoadResumeMetadata loads the sidecar for outputPath
func (p *DownloadPlanner) LoadResumeMetadata(outputPath string) (*internal.ResumeMetadata, error) {
	metadataPath := outputPath + ResumeMetadataExt

	data, err := p.fileOps.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read resume metadata: %w", err)
	}

	var resumeData internal.ResumeMetadata
	if err := sonic.Unmarshal(data, &resumeData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume metadata: %w", err)
	}
	return &resumeData, nil
}

// DetectResumableDownload returns the sidecar when both it and the .part file exist
func (p *DownloadPlanner) DetectResumableDownload(outputPath string) (*internal.ResumeMetadata, error) {
	metadataPath := outputPath + ResumeMetadataExt

	if !p.fileOps.FileExists(metadataPath) {
		return nil, nil
	}

	exists, partSize, err := p.fileOps.DetectPartialDownload(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat part file: %w", err)
	}
	if !exists {
		return nil, nil
	}

	resumeData, err := p.LoadResumeMetadata(outputPath)
	if err != nil {
		return nil, fmt.Errorf("invalid resume metadata: %w", err)
	}

	if resumeData.File.Size > 0 && partSize > resumeData.File.Size {
		return nil, fmt.Errorf("part file size (%d) exceeds expected size (%d)", partSize, resumeData.File.Size)
	}

	return resumeData, nil
}

// ValidateResumeCompatibility checks that the sidecar describes the same file
func (p *DownloadPlanner) ValidateResumeCompatibility(resumeData *internal.ResumeMetadata, shareID string, current *internal.FileMetadata) error {
	if resumeData.ShareID != shareID {
		return fmt.Errorf("share changed: resume=%s, current=%s", resumeData.ShareID, shareID)
	}

	if resumeData.File.Size != current.Size {
		return fmt.Errorf("file size changed: resume=%d, current=%d", resumeData.File.Size, current.Size)
	}

	if resumeData.File.Checksum != "" && current.Checksum != "" && resumeData.File.Checksum != current.Checksum {
		return fmt.Errorf("checksum changed: resume=%s, current=%s", resumeData.File.Checksum, current.Checksum)
	}

	if resumeData.File.Filename != current.Filename {
		internal.LogWarn("Filename changed from %s to %s", resumeData.File.Filename, current.Filename)
	}

	if p.now().Sub(resumeData.LastUpdate) > maxResumeAge {
		return fmt.Errorf("resume data is too old (last update: %s)", resumeData.LastUpdate.Format(time.RFC3339))
	}

	return nil
}

// Cleanup removes the .part file and sidecar for outputPath
func (p *DownloadPlanner) Cleanup(outputPath string) error {
	if err := p.fileOps.Remove(outputPath + utils.PartSuffix); err != nil {
		return fmt.Errorf("failed to remove part file: %w", err)
	}
	return p.CleanupResumeMetadata(outputPath)
}

// CleanupResumeMetadata removes the sidecar after a successful download
func (p *DownloadPlanner) CleanupResumeMetadata(outputPath string) error {
	if err := p.fileOps.Remove(outputPath + ResumeMetadataExt); err != nil {
		return fmt.Errorf("failed to cleanup resume metadata: %w", err)
	}
	return nil
}
