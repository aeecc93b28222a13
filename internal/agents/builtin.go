// Package agents hosts the worker runtime and the built-in specialist
// roster behind each agent type. The built-ins are deterministic
// document generators: they turn the dispatched inputs into stage
// artifacts without calling out anywhere, which keeps the pipeline
// runnable on a laptop and reproducible in tests. Swapping one for a
// model-backed implementation means replacing its Handler.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/workflow"
)

// Handler produces the output payload for one dispatched stage task.
// The payload must carry the stage artifact under the "artifact" key.
type Handler func(ctx context.Context, d channel.Dispatch) (map[string]any, error)

// BuiltinHandlers returns the full specialist roster keyed by agent
// type.
func BuiltinHandlers() map[string]Handler {
	return map[string]Handler{
		string(workflow.AgentCoordinator):      writeProjectBrief,
		string(workflow.AgentPRDWriter):        writePRD,
		string(workflow.AgentFeatureAnalyst):   writeFeatureTree,
		string(workflow.AgentPlanner):          writePlan,
		string(workflow.AgentArchitect):        writeArchitecture,
		string(workflow.AgentUIUXDesigner):     writeUIUX,
		string(workflow.AgentDeveloper):        writeImplementation,
		string(workflow.AgentQAEngineer):       writeTestReport,
		string(workflow.AgentSecurityReviewer): writeSecurityReview,
		string(workflow.AgentTechnicalWriter):  writeDocumentation,
		string(workflow.AgentSupportWriter):    writeSupportGuide,
		string(workflow.AgentProjectManager):   writePMReview,
		string(workflow.AgentReleaseManager):   writeDeliveryManifest,
	}
}

// taskInputs is the common shape of dispatch inputs across stages.
type taskInputs struct {
	requirements  string
	prd           string
	revisionNotes string
}

func parseInputs(m map[string]any) taskInputs {
	return taskInputs{
		requirements:  stringInput(m, "requirements"),
		prd:           stringInput(m, "prd"),
		revisionNotes: stringInput(m, "revision_notes"),
	}
}

func stringInput(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// features splits free-form requirements into individual capabilities.
// "bug tracker with tags, search, SLAs" yields the tracker plus three
// capability entries.
func features(requirements string) []string {
	if requirements == "" {
		return nil
	}
	normalized := strings.NewReplacer(" with ", ", ", " and ", ", ", "; ", ", ").Replace(requirements)
	var out []string
	for _, part := range strings.Split(normalized, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type section struct {
	heading string
	body    string
}

// doc renders the artifact markdown all built-ins share.
func doc(title string, sections ...section) string {
	var b strings.Builder
	b.WriteString("# " + title + "\n")
	for _, s := range sections {
		b.WriteString("\n## " + s.heading + "\n\n")
		b.WriteString(strings.TrimRight(s.body, "\n") + "\n")
	}
	return b.String()
}

func bullets(items []string, prefix string) string {
	if len(items) == 0 {
		return "- none identified\n"
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- " + prefix + item + "\n")
	}
	return b.String()
}

func result(artifact, summary string) map[string]any {
	return map[string]any{
		"artifact": artifact,
		"summary":  summary,
	}
}

func writeProjectBrief(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Project Brief",
		section{"Request", in.requirements},
		section{"Scope", bullets(features(in.requirements), "")},
		section{"Next Step", "Hand off to the PRD writer for requirements elaboration."},
	)
	return result(art, "project brief prepared"), nil
}

func writePRD(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	if in.requirements == "" {
		return nil, fmt.Errorf("prd task %s carries no requirements", d.TaskID)
	}

	sections := []section{
		{"Problem Statement", in.requirements},
		{"Goals", bullets(features(in.requirements), "Deliver ")},
		{"Functional Requirements", bullets(features(in.requirements), "The system must support ")},
		{"Out of Scope", "- Anything not listed under functional requirements.\n"},
	}
	if in.revisionNotes != "" {
		sections = append(sections, section{"Revision Notes Addressed", in.revisionNotes})
	}
	art := doc("Product Requirements Document", sections...)
	return result(art, "prd drafted"), nil
}

func writeFeatureTree(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Feature Tree",
		section{"Root", firstFeature(in.requirements)},
		section{"Branches", bullets(features(in.requirements), "feature: ")},
		section{"Source", "Derived from the approved PRD."},
	)
	return result(art, "feature tree decomposed"), nil
}

func writePlan(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	feats := features(in.requirements)
	var milestones strings.Builder
	for i, f := range feats {
		fmt.Fprintf(&milestones, "%d. Implement %s\n", i+1, f)
	}
	fmt.Fprintf(&milestones, "%d. Hardening and release\n", len(feats)+1)
	art := doc("Implementation Plan",
		section{"Milestones", milestones.String()},
		section{"Sequencing", "Milestones execute in order; each gates the next."},
	)
	return result(art, "plan laid out"), nil
}

func writeArchitecture(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("System Architecture",
		section{"Components", bullets(features(in.requirements), "service: ")},
		section{"Data Flow", "Clients reach an API layer; the API layer owns persistence; background workers own long-running work."},
		section{"Storage", "One relational store as the source of truth; caches are disposable."},
	)
	return result(art, "architecture drafted"), nil
}

func writeUIUX(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("UI/UX Design",
		section{"Primary Screens", bullets(features(in.requirements), "screen: ")},
		section{"Navigation", "A persistent sidebar lists the primary screens; detail views open in place."},
		section{"Accessibility", "All interactive elements are keyboard-reachable and labeled."},
	)
	return result(art, "ui/ux designed"), nil
}

func writeImplementation(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Implementation Report",
		section{"Modules Built", bullets(features(in.requirements), "module: ")},
		section{"Status", "All planned modules implemented against the approved architecture."},
	)
	return result(art, "implementation finished"), nil
}

func writeTestReport(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	feats := features(in.requirements)
	art := doc("QA Report",
		section{"Coverage", bullets(feats, "verified: ")},
		section{"Result", fmt.Sprintf("%d capability areas exercised; no blocking defects open.", len(feats))},
	)
	return result(art, "qa passed"), nil
}

func writeSecurityReview(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Security Assessment",
		section{"Surfaces Reviewed", bullets(features(in.requirements), "surface: ")},
		section{"Findings", "- input validation enforced at the API boundary\n- no credentials stored in artifacts\n"},
		section{"Verdict", "Cleared for release."},
	)
	return result(art, "security review cleared"), nil
}

func writeDocumentation(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Technical Documentation",
		section{"Overview", firstFeature(in.requirements)},
		section{"Reference", bullets(features(in.requirements), "documented: ")},
	)
	return result(art, "documentation written"), nil
}

func writeSupportGuide(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Support Guide",
		section{"Common Questions", bullets(features(in.requirements), "how do I use ")},
		section{"Escalation", "Unresolved issues escalate to the engineering on-call."},
	)
	return result(art, "support guide written"), nil
}

func writePMReview(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("PM Review",
		section{"Requirements Check", bullets(features(in.requirements), "delivered: ")},
		section{"Sign-off", "All requirements accounted for; approved for delivery."},
	)
	return result(art, "pm review signed off"), nil
}

func writeDeliveryManifest(_ context.Context, d channel.Dispatch) (map[string]any, error) {
	in := parseInputs(d.Inputs)
	art := doc("Delivery Manifest",
		section{"Package", firstFeature(in.requirements)},
		section{"Contents", bullets(features(in.requirements), "includes ")},
		section{"Handoff", fmt.Sprintf("Delivered for job %s.", d.JobID)},
	)
	return result(art, "delivery packaged"), nil
}

func firstFeature(requirements string) string {
	if feats := features(requirements); len(feats) > 0 {
		return feats[0]
	}
	return "unspecified deliverable"
}
