package catalog

import "time"

// Kind distinguishes the two classes of catalog entries.
type Kind string

// Supported entry kinds.
const (
	// KindExecutable is a runnable server script paired with an interface page.
	KindExecutable Kind = "executable"
	// KindStatic is a self-contained HTML page with no companion process.
	KindStatic Kind = "static"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	return k == KindExecutable || k == KindStatic
}

// Entry is one discovered application or page.
//
// (PrimaryPath, FolderPath) is unique: re-discovery of the same file updates
// the existing row instead of creating a duplicate.
type Entry struct {
	ID            int64     `json:"id"`
	ShortID       ShortID   `json:"short_id"`
	Kind          Kind      `json:"kind"`
	Name          string    `json:"name"`
	FolderPath    string    `json:"folder_path"`
	PrimaryPath   string    `json:"primary_path"`
	InterfacePath string    `json:"interface_path,omitempty"`
	Port          int       `json:"port,omitempty"`
	PreviewPath   string    `json:"preview_path,omitempty"`
	FileSize      int64     `json:"file_size"`
	Checksum      string    `json:"checksum,omitempty"`
	Dependencies  string    `json:"dependencies,omitempty"`
	TechStack     string    `json:"tech_stack,omitempty"`
	Enriched      bool      `json:"enriched"`
	CreatedAt     time.Time `json:"created_at"`
	LastModified  time.Time `json:"last_modified"`
	LastScanned   time.Time `json:"last_scanned"`
}

// PagePath returns the HTML file backing the entry: the companion interface
// page for executables, the primary file itself for static pages.
func (e Entry) PagePath() string {
	if e.Kind == KindExecutable {
		return e.InterfacePath
	}
	return e.PrimaryPath
}

// JobPhase labels the stage a discovery batch is currently in.
type JobPhase string

// Discovery batch phases, in execution order.
const (
	PhaseIdle            JobPhase = "idle"
	PhaseInitializing    JobPhase = "initializing"
	PhaseFindingApps     JobPhase = "finding_executables"
	PhaseFindingStatic   JobPhase = "finding_static"
	PhaseSavingCatalog   JobPhase = "saving_database"
	PhaseCapturing       JobPhase = "capturing"
)

// TaskResult records the terminal outcome of one job item.
type TaskResult struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// JobError is a recent failure surfaced through progress polling.
type JobError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// JobState is a point-in-time snapshot of a job batch, read by the polling
// endpoints. Completed never exceeds Total.
type JobState struct {
	BatchID       string     `json:"batch_id,omitempty"`
	Phase         JobPhase   `json:"phase"`
	Total         int        `json:"total"`
	Completed     int        `json:"completed"`
	Active        bool       `json:"active"`
	Indeterminate bool       `json:"indeterminate"`
	Percentage    float64    `json:"percentage"`
	ETASeconds    int64      `json:"eta_seconds"`
	RecentErrors  []JobError `json:"recent_errors,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
}
