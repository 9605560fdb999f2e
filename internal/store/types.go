// SPDX-License-Identifier: MIT

package store

import "time"

// PendingFileStatus is the lifecycle state of a PendingFile row.
type PendingFileStatus string

const (
	StatusPending    PendingFileStatus = "pending"
	StatusStable     PendingFileStatus = "stable"
	StatusProcessing PendingFileStatus = "processing"
	StatusStaged     PendingFileStatus = "staged"
	StatusCompleted  PendingFileStatus = "completed"
	StatusDeprecated PendingFileStatus = "deprecated"
)

// BatchStatus is the lifecycle state of a Batch row.
type BatchStatus string

const (
	BatchEncoding      BatchStatus = "encoding"
	BatchMerging       BatchStatus = "merging"
	BatchExtractingMP3 BatchStatus = "extracting_mp3"
	BatchCompleted     BatchStatus = "completed"
	BatchFailed        BatchStatus = "failed"
)

// BatchFileStatus is the lifecycle state of a BatchFile association row.
type BatchFileStatus string

const (
	BatchFilePending  BatchFileStatus = "pending"
	BatchFileEncoding BatchFileStatus = "encoding"
	BatchFileEncoded  BatchFileStatus = "encoded"
	BatchFileFailed   BatchFileStatus = "failed"
)

// PendingFile is one row per distinct path observed on disk (spec.md §3).
type PendingFile struct {
	ID          int64
	DirPath     string
	Filename    string
	Fingerprint string
	StableCount int
	Status      PendingFileStatus
	TempMP4Path string
	TempMP3Path string
	StartTime   string
	EndTime     string
	UpdatedAt   time.Time
}

// Batch is one row per batch of recordings being co-processed.
type Batch struct {
	ID           int64
	Streamer     string
	Status       BatchStatus
	OutputDir    string
	TmpDir       string
	FinalMP4Path string
	FinalMP3Path string
	TotalFiles   int
	EncodedCount int
	FailedCount  int
	UpdatedAt    time.Time
}

// BatchFile is a file's membership in a batch.
type BatchFile struct {
	ID            int64
	BatchID       int64
	DirPath       string
	Filename      string
	Fingerprint   string
	PendingFileID int64
	Status        BatchFileStatus
	EncodedPath   string
	RetryCount    int
	UpdatedAt     time.Time
}

// ObservationResult is the outcome of UpsertObservation (spec.md §4.1).
type ObservationResult int

const (
	ObservationCreated ObservationResult = iota
	ObservationIncremented
	ObservationFingerprintReset
	ObservationIgnored
)

func (r ObservationResult) String() string {
	switch r {
	case ObservationCreated:
		return "created"
	case ObservationIncremented:
		return "incremented"
	case ObservationFingerprintReset:
		return "fingerprint_reset"
	case ObservationIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// FileAssignment is a file's target when submitted for encoding, used by
// the control plane and finalizer to report what a batch contains.
type FileAssignment struct {
	DirPath     string
	Filename    string
	Fingerprint string
}
