package decode

// Typed step results. Each pipeline step decodes into exactly one of these
// variants; raw JSON never crosses the decode boundary untyped.

// Decision is the high-level build strategy produced by the first step.
type Decision struct {
	Strategy string `json:"strategy"`
	Summary  string `json:"summary"`
}

// Requirements classifies whether the project needs persistent backend
// capabilities (storage, auth, server-side logic).
type Requirements struct {
	NeedsBackend bool   `json:"needsBackend"`
	Reason       string `json:"reason"`
}

// PlannedPhase is one coarse stage of the build.
type PlannedPhase struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// PhasePlan is the ordered phase list.
type PhasePlan struct {
	Phases []PlannedPhase `json:"phases"`
}

// FilePlanStep declares one file-level build step inside a phase. Models
// are inconsistent about the key naming the target file, so every accepted
// alias is captured and resolved by Path().
type FilePlanStep struct {
	Label       string `json:"label"`
	Description string `json:"description"`

	PathKey  string `json:"path"`
	File     string `json:"file"`
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	Target   string `json:"target"`
}

// Path resolves the target file path from the accepted key aliases.
// Returns "" when no alias carries a value; such steps are skipped.
func (s *FilePlanStep) Path() string {
	for _, p := range []string{s.PathKey, s.FilePath, s.File, s.FileName, s.Target} {
		if p != "" {
			return p
		}
	}
	return ""
}

// FilePlan is the ordered list of file-level steps for one phase.
type FilePlan struct {
	Steps []FilePlanStep `json:"steps"`
}

// FileChange instructs the pipeline to create or overwrite a file.
type FileChange struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Content string `json:"content"`
}

// BuildResult is the output of one file-build step.
type BuildResult struct {
	Files       []FileChange `json:"files"`
	Explanation string       `json:"explanation"`
}

// QAIssue is a single problem reported by the QA step.
type QAIssue struct {
	Path     string `json:"path"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// QAResult is the verdict of the QA step over the accumulated files.
type QAResult struct {
	Status  string       `json:"status"` // "pass" or "fail"
	Issues  []QAIssue    `json:"issues"`
	Patches []FileChange `json:"patches"`
}

// Passed reports whether QA approved the build.
func (q *QAResult) Passed() bool {
	return q.Status != "fail"
}

// RepairResult is the output of the one-shot repair step.
type RepairResult struct {
	Patches []FileChange `json:"patches"`
	Summary string       `json:"summary"`
}

// SchemaResult carries the generated backend schema artifact.
type SchemaResult struct {
	Path   string `json:"path"`
	Schema string `json:"schema"`
}
