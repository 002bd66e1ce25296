package models

// DownloadPhase is a state of the content package downloader.
type DownloadPhase string

const (
	PhaseIdle             DownloadPhase = "idle"
	PhaseFetching         DownloadPhase = "fetching"
	PhaseSavingStructure  DownloadPhase = "saving_structure"
	PhaseDownloadingMedia DownloadPhase = "downloading_media"
	PhaseVerifying        DownloadPhase = "verifying"
	PhaseCompleted        DownloadPhase = "completed"
	PhaseError            DownloadPhase = "error"
	PhaseCancelled        DownloadPhase = "cancelled"
)

// Terminal reports whether no further transitions follow p.
func (p DownloadPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseError, PhaseCancelled:
		return true
	}
	return false
}

// FileProgress is the progress of one media file.
type FileProgress struct {
	MediaID    string  `json:"media_id"`
	Filename   string  `json:"filename"`
	BytesDone  int64   `json:"bytes_done"`
	BytesTotal int64   `json:"bytes_total"`
	Percentage float64 `json:"percentage"`
}

// FailedFile records a media file that could not be fetched.
type FailedFile struct {
	MediaID  string `json:"media_id"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// DownloadProgress is the observable state of a download run. It is kept in
// memory only.
type DownloadProgress struct {
	CourseID    string        `json:"course_id"`
	Phase       DownloadPhase `json:"phase"`
	Step        int           `json:"step"`
	TotalSteps  int           `json:"total_steps"`
	Message     string        `json:"message,omitempty"`
	MediaDone   int           `json:"media_done"`
	MediaTotal  int           `json:"media_total"`
	CurrentFile *FileProgress `json:"current_file,omitempty"`
	FailedFiles []FailedFile  `json:"failed_files,omitempty"`
	Percentage  float64       `json:"percentage"`
	Error       string        `json:"error,omitempty"`
}
