package restic

import "fmt"

// messageProbe extracts just the discriminator from a JSON stream line.
type messageProbe struct {
	MessageType string `json:"message_type"`
}

// ProgressEvent is a single status message from restic --json. Only the
// fields relevant for progress reporting are decoded.
type ProgressEvent struct {
	MessageType string  `json:"message_type"`
	PercentDone float64 `json:"percent_done"`
	FilesDone   uint64  `json:"files_done"`
	BytesDone   uint64  `json:"bytes_done"`
	TotalFiles  uint64  `json:"total_files"`
	TotalBytes  uint64  `json:"total_bytes"`
	// Raw is the original JSON line for verbatim log forwarding.
	Raw string `json:"-"`
}

// Summary is the final message of a backup run.
type Summary struct {
	FilesNew            uint64  `json:"files_new"`
	FilesChanged        uint64  `json:"files_changed"`
	FilesUnmodified     uint64  `json:"files_unmodified"`
	DirsNew             uint64  `json:"dirs_new"`
	DirsChanged         uint64  `json:"dirs_changed"`
	DirsUnmodified      uint64  `json:"dirs_unmodified"`
	DataAdded           uint64  `json:"data_added"`
	TotalFilesProcessed uint64  `json:"total_files_processed"`
	TotalBytesProcessed uint64  `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
	SnapshotID          string  `json:"snapshot_id"`
}

// String renders the one-line human report logged after a finished backup.
func (s *Summary) String() string {
	return fmt.Sprintf("took %.1fs, %s added, %d new files, %d changed files, %d unchanged files",
		s.TotalDuration, formatSize(s.DataAdded), s.FilesNew, s.FilesChanged, s.FilesUnmodified)
}

// Snapshot holds the metadata of a single snapshot as listed by restic.
type Snapshot struct {
	ID       string   `json:"id"`
	Time     string   `json:"time"`
	Paths    []string `json:"paths"`
	Tags     []string `json:"tags"`
	Hostname string   `json:"hostname"`
	Username string   `json:"username"`
	ShortID  string   `json:"short_id"`
}

// formatSize renders a byte count with binary units. Values stay in the
// smaller unit until they pass twice the next unit, which keeps small
// multi-unit values readable (1536 B instead of 1.50 KiB).
func formatSize(size uint64) string {
	s := float64(size)
	switch {
	case s < 2<<10:
		return fmt.Sprintf("%.0f B", s)
	case s < 2<<20:
		return fmt.Sprintf("%.2f KiB", s/(1<<10))
	case s < 2<<30:
		return fmt.Sprintf("%.2f MiB", s/(1<<20))
	case s < 2<<40:
		return fmt.Sprintf("%.2f GiB", s/(1<<30))
	default:
		return fmt.Sprintf("%.2f TiB", s/(1<<40))
	}
}
