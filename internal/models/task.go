package models

import (
	"errors"
	"fmt"
	"time"
)

// FileType is the coarse classification of a submitted file.
type FileType string

const (
	FileTypeDocument FileType = "DOCUMENT"
	FileTypeImage    FileType = "IMAGE"
	FileTypeVideo    FileType = "VIDEO"
	FileTypeAudio    FileType = "AUDIO"
	FileTypeUnknown  FileType = "UNKNOWN"
)

// Valid reports whether t is one of the known file types.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeDocument, FileTypeImage, FileTypeVideo, FileTypeAudio, FileTypeUnknown:
		return true
	default:
		return false
	}
}

// KeepsContent reports whether the original bytes are captured for reconstruction.
func (t FileType) KeepsContent() bool {
	return t == FileTypeDocument || t == FileTypeImage
}

// ProcessingStatus is the lifecycle state of a task.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusUploading  ProcessingStatus = "UPLOADING"
	StatusAnalyzing  ProcessingStatus = "ANALYZING"
	StatusSanitizing ProcessingStatus = "SANITIZING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// ErrInvalidTransition is returned when a status change would move a task backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Rank is the position of the status along the pipeline order.
func (s ProcessingStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusUploading:
		return 1
	case StatusAnalyzing:
		return 2
	case StatusSanitizing:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are possible.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition checks the task state machine. Statuses only move forward along
// the pipeline; FAILED is reachable from any non-terminal state and COMPLETED
// only from SANITIZING. A status may be re-entered to record progress.
func CanTransition(from, to ProcessingStatus) error {
	if from.Rank() < 0 || to.Rank() < 0 {
		return fmt.Errorf("%w: unknown status %s -> %s", ErrInvalidTransition, from, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	switch to {
	case StatusFailed:
		return nil
	case StatusPending:
		if from != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil
	case StatusCompleted:
		if from != StatusSanitizing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil
	}
	if to.Rank() < from.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TaskRecord is one submitted file and its progress through the pipeline.
// JSON names match the history format written by the browser console.
type TaskRecord struct {
	ID             string           `json:"id"`
	Filename       string           `json:"filename"`
	OriginalSize   int64            `json:"originalSize"`
	Type           FileType         `json:"type"`
	Status         ProcessingStatus `json:"status"`
	Progress       int              `json:"progress"`
	ThreatAnalysis string           `json:"threatAnalysis,omitempty"`
	PipelineSteps  []string         `json:"sanitizationDetails,omitempty"`
	CreatedAt      int64            `json:"timestamp"`
	ResultFilename string           `json:"resultFilename,omitempty"`
	Content        []byte           `json:"base64Data,omitempty"`
	MimeType       string           `json:"mimeType,omitempty"`
}

// Created returns the creation time.
func (r *TaskRecord) Created() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// HasContent reports whether a content snapshot is attached.
func (r *TaskRecord) HasContent() bool {
	return len(r.Content) > 0
}

// Clone returns a deep copy so callers can mutate without sharing slices.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.PipelineSteps != nil {
		cp.PipelineSteps = append([]string(nil), r.PipelineSteps...)
	}
	if r.Content != nil {
		cp.Content = append([]byte(nil), r.Content...)
	}
	return &cp
}

// FileDescriptor is one file handed to the orchestrator for sanitization.
type FileDescriptor struct {
	Filename string
	Size     int64
	MimeType string
	Content  []byte
}
