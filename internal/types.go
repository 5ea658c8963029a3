package internal

import (
	"path/filepath"
	"strings"
	"time"
)

// Identifier keys an invoice across the approval PDF and the supplier XML.
// Empty fields are absent.
type Identifier struct {
	CUFE   string `json:"cufe,omitempty"`
	Number string `json:"number,omitempty"`
	Date   string `json:"date,omitempty"`
}

func (id Identifier) HasCUFE() bool {
	return id.CUFE != ""
}

func (id Identifier) HasNumberDate() bool {
	return id.Number != "" && id.Date != ""
}

// Matchable reports whether the identifier can take part in matching.
func (id Identifier) Matchable() bool {
	return id.HasCUFE() || id.HasNumberDate()
}

func (id Identifier) NumberDateKey() NumberDateKey {
	return NumberDateKey{Number: id.Number, Date: id.Date}
}

type NumberDateKey struct {
	Number string
	Date   string
}

type AttachmentKind string

const (
	AttachmentPDF AttachmentKind = "pdf"
	AttachmentZIP AttachmentKind = "zip"
	AttachmentAny AttachmentKind = ""
)

// Accepts reports whether a file name belongs to the kind.
func (k AttachmentKind) Accepts(fileName string) bool {
	if k == AttachmentAny {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(filepath.Ext(fileName), "."), string(k))
}

type MessageMeta struct {
	ID         string
	Subject    string
	From       string
	BodyText   string
	ReceivedAt time.Time
	Seen       bool
}

type AttachmentMeta struct {
	ID          string
	Name        string
	ContentType string
	Size        int
}

type ApprovalDocument struct {
	MessageID    string
	Subject      string
	FileName     string
	AttachmentID string
	ReceivedAt   time.Time
	Identifier   Identifier
	Acknowledged bool
}

type SourceRecord struct {
	EntryName  string
	Identifier Identifier
}

type SourceDocument struct {
	MessageID    string
	AttachmentID string
	FileName     string
	ReceivedAt   time.Time
	Content      []byte
	Records      []SourceRecord
}

var folderReplacer = strings.NewReplacer("<", "_", ">", "_", ":", "_", "\"", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_")

// Folder is the extraction folder name derived from the archive name.
func (d *SourceDocument) Folder() string {
	return folderReplacer.Replace(strings.TrimSuffix(d.FileName, filepath.Ext(d.FileName)))
}

func (d *SourceDocument) SafeFileName() string {
	return folderReplacer.Replace(d.FileName)
}

type MatchKind string

const (
	MatchAlreadyRegistered MatchKind = "ALREADY_REGISTERED"
	MatchByCUFE            MatchKind = "CUFE"
	MatchByNumberDate      MatchKind = "NUMBER_DATE"
	MatchByFilename        MatchKind = "FILENAME"
	MatchNone              MatchKind = "NONE"
)

type MatchOutcome struct {
	Kind   MatchKind
	Source *SourceDocument
}

func (o MatchOutcome) Matched() bool {
	switch o.Kind {
	case MatchByCUFE, MatchByNumberDate, MatchByFilename:
		return o.Source != nil
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalUnmatched    ApprovalStatus = "unmatched"
	ApprovalFailed       ApprovalStatus = "failed"
	ApprovalAcknowledged ApprovalStatus = "acknowledged"
)

type ApprovalRow struct {
	MessageID     string
	Provider      string
	Subject       string
	FileName      string
	CUFE          string
	Number        string
	IssueDate     string
	Outcome       string
	SourceArchive string
	Status        string
	RunID         string
	UpdatedAt     string
}

type SourceDocumentRow struct {
	Provider     string
	MessageID    string
	AttachmentID string
	FileName     string
	Folder       string
	ReceivedAt   string
	Hash         string
	LocalPath    string
	Records      int
	DoneAt       *string
}

type RunRow struct {
	ID           int64
	TraceID      string
	Kind         string
	StartedAt    string
	FinishedAt   string
	Counts       map[string]int
	Errors       []RunError
	StoppedEarly bool
}

type ErrorKind string

const (
	ErrExtractionGap       ErrorKind = "extraction_gap"
	ErrCorruptArchive      ErrorKind = "corrupt_archive"
	ErrNoMatchFound        ErrorKind = "no_match"
	ErrDownloadFailure     ErrorKind = "download_failure"
	ErrRegistrySyncFailure ErrorKind = "registry_sync_failure"
	ErrIngestFailure       ErrorKind = "ingest_failure"
	ErrUploadFailure       ErrorKind = "upload_failure"
)

type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Ref     string    `json:"ref"`
	Message string    `json:"message"`
}

// ErrorLog collects the soft failures of one run.
type ErrorLog struct {
	Entries []RunError
}

func (l *ErrorLog) Add(kind ErrorKind, ref string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.Entries = append(l.Entries, RunError{Kind: kind, Ref: ref, Message: msg})
}

func (l *ErrorLog) Count(kind ErrorKind) int {
	n := 0
	for _, e := range l.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *ErrorLog) Len() int {
	return len(l.Entries)
}
