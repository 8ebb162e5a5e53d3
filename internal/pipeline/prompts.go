package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"forgeline/internal/decode"
)

// PromptSource supplies the system instruction for each step kind. The
// production implementation is a cache collaborator populated lazily and
// invalidated explicitly by an admin action; StaticPrompts is the
// fallback and the cache's loader.
type PromptSource interface {
	System(kind StepKind) string
}

// StaticPrompts serves the built-in system instructions.
type StaticPrompts struct{}

// System returns the built-in system instruction for a step.
func (StaticPrompts) System(kind StepKind) string {
	base := "You are an expert software engineer generating a complete, working web application. " +
		"Respond with a single JSON object and nothing else. No prose, no markdown outside the JSON."
	switch kind {
	case StepDecision:
		return base + ` Decide the overall build strategy. Respond as {"strategy": string, "summary": string}.`
	case StepRequirements:
		return base + ` Classify whether the request needs a persistent backend (database, auth, server-side storage). Respond as {"needsBackend": bool, "reason": string}.`
	case StepPhasePlan:
		return base + ` Produce an ordered phase plan. Respond as {"phases": [{"id": string, "title": string, "description": string, "type": "ui"|"logic"|"backend"}]}.`
	case StepDesign:
		return base + ` Produce a global design specification as a JSON object: layout, color palette, component inventory, data shapes.`
	case StepFilePlan:
		return base + ` Plan the file-level build steps for one phase. Respond as {"steps": [{"label": string, "description": string, "path": string}]}.`
	case StepBuild:
		return base + ` Generate complete file content for the planned step. Respond as {"files": [{"path": string, "action": "create"|"update", "content": string}], "explanation": string}.`
	case StepSchema:
		return base + ` Generate the backend database schema. Respond as {"path": string, "schema": string}.`
	case StepQA:
		return base + ` Review the generated files for correctness. Respond as {"status": "pass"|"fail", "issues": [{"path": string, "severity": string, "message": string}], "patches": [{"path": string, "action": "update", "content": string}]}.`
	case StepRepair:
		return base + ` Fix the reported issues. Respond as {"patches": [{"path": string, "action": "update", "content": string}], "summary": string}.`
	}
	return base
}

func decisionPrompt(req BuildRequest) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(req.Prompt)
	if len(req.ExistingFiles) > 0 {
		fmt.Fprintf(&b, "\n\nThe project already has %d files:\n%s", len(req.ExistingFiles), pathList(req.ExistingFiles))
	}
	return b.String()
}

func requirementsPrompt(req BuildRequest, decision *decode.Decision) string {
	return fmt.Sprintf("User request:\n%s\n\nBuild strategy:\n%s\n\nDoes this need a persistent backend?",
		req.Prompt, decision.Summary)
}

func phasePlanPrompt(req BuildRequest, state *State) string {
	return fmt.Sprintf("User request:\n%s\n\nStrategy: %s\nBackend required: %v\n\nProduce the ordered phase plan.",
		req.Prompt, state.Decision.Summary, state.Requirements.NeedsBackend)
}

func designPrompt(req BuildRequest, state *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\nStrategy: %s\n\nPhases:\n", req.Prompt, state.Decision.Summary)
	for _, p := range state.Phases {
		fmt.Fprintf(&b, "- %s: %s\n", p.Title, p.Description)
	}
	b.WriteString("\nProduce the global design specification.")
	return b.String()
}

func filePlanPrompt(phase Phase, state *State) string {
	paths := state.Paths()
	sort.Strings(paths)
	return fmt.Sprintf("Phase: %s (%s)\n%s\n\nDesign:\n%s\n\nExisting file paths:\n%s\n\nPlan the file-level build steps for this phase.",
		phase.Title, phase.Type, phase.Description, rawOrEmpty(state.DesignSpec), strings.Join(paths, "\n"))
}

func buildStepPrompt(step decode.FilePlanStep, phase Phase, state *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\nStep: %s\nTarget file: %s\n%s\n\nDesign:\n%s\n",
		phase.Title, step.Label, step.Path(), step.Description, rawOrEmpty(state.DesignSpec))
	if content, ok := state.Files()[step.Path()]; ok {
		fmt.Fprintf(&b, "\nCurrent content of %s:\n%s\n", step.Path(), content)
	}
	b.WriteString("\nGenerate the complete file content.")
	return b.String()
}

func schemaPrompt(state *State) string {
	return fmt.Sprintf("Design:\n%s\n\nFile paths:\n%s\n\nGenerate the backend database schema for this application.",
		rawOrEmpty(state.DesignSpec), strings.Join(state.Paths(), "\n"))
}

func qaPrompt(state *State) string {
	var b strings.Builder
	b.WriteString("Review the following generated application files:\n\n")
	files := state.Files()
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", path, files[path])
	}
	return b.String()
}

func repairPrompt(qa *decode.QAResult, state *State) string {
	var b strings.Builder
	b.WriteString("QA reported these issues:\n")
	for _, issue := range qa.Issues {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", issue.Severity, issue.Path, issue.Message)
	}
	b.WriteString("\nAffected files:\n")
	files := state.Files()
	for _, issue := range qa.Issues {
		if content, ok := files[issue.Path]; ok {
			fmt.Fprintf(&b, "=== %s ===\n%s\n\n", issue.Path, content)
		}
	}
	b.WriteString("Produce patches fixing the issues.")
	return b.String()
}

func pathList(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n")
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
