// ABOUTME: Job identity and plan types consumed from the external scheduler.
// ABOUTME: JobIdentifier equality is the at-most-one-assignment key.

package work

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPlan is returned when a JobPlan cannot be turned into an assignment.
var ErrInvalidPlan = errors.New("invalid job plan")

// JobIdentifier names a single job run. Two identifiers refer to the same
// run only if every field is equal.
type JobIdentifier struct {
	PipelineName    string `json:"pipelineName"`
	PipelineCounter int    `json:"pipelineCounter"`
	PipelineLabel   string `json:"pipelineLabel,omitempty"`
	StageName       string `json:"stageName"`
	StageCounter    int    `json:"stageCounter"`
	JobName         string `json:"jobName"`
	BuildID         int64  `json:"buildId"`
}

// String renders the job locator, e.g. "P/1/S/1/J".
func (j JobIdentifier) String() string {
	return fmt.Sprintf("%s/%d/%s/%d/%s", j.PipelineName, j.PipelineCounter, j.StageName, j.StageCounter, j.JobName)
}

// IsZero reports whether the identifier is unset.
func (j JobIdentifier) IsZero() bool {
	return j == JobIdentifier{}
}

// JobState is the lifecycle state of a job instance.
type JobState string

const (
	JobStateScheduled  JobState = "Scheduled"
	JobStateAssigned   JobState = "Assigned"
	JobStatePreparing  JobState = "Preparing"
	JobStateBuilding   JobState = "Building"
	JobStateCompleting JobState = "Completing"
	JobStateCompleted  JobState = "Completed"
)

// Result is the terminal outcome of a job.
type Result string

const (
	ResultUnknown   Result = "Unknown"
	ResultPassed    Result = "Passed"
	ResultFailed    Result = "Failed"
	ResultCancelled Result = "Cancelled"
)

// IsTerminal reports whether r is a final outcome.
func (r Result) IsTerminal() bool {
	return r == ResultPassed || r == ResultFailed || r == ResultCancelled
}

// Material is a source the build consumed.
type Material struct {
	Type        string `json:"type"`
	URL         string `json:"url,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// MaterialRevision pins a material to one revision.
type MaterialRevision struct {
	Material     Material  `json:"material"`
	Revision     string    `json:"revision"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Changed      bool      `json:"changed,omitempty"`
}

// BuildCause is the resolved set of material revisions that triggered a run.
type BuildCause struct {
	Approver  string             `json:"approver,omitempty"`
	Revisions []MaterialRevision `json:"materialRevisions,omitempty"`
}

// ArtifactPlan describes a file or directory the agent uploads after the build.
type ArtifactPlan struct {
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
}

// JobPlan is what the scheduler wants run. Priority is higher-first.
type JobPlan struct {
	Identifier  JobIdentifier     `json:"identifier"`
	Resources   []string          `json:"resources,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Builders    []Builder         `json:"builders"`
	Artifacts   []ArtifactPlan    `json:"artifacts,omitempty"`
}

// Validate checks the plan is runnable.
func (p JobPlan) Validate() error {
	if p.Identifier.PipelineName == "" || p.Identifier.StageName == "" || p.Identifier.JobName == "" {
		return fmt.Errorf("%w: pipeline, stage and job names are required", ErrInvalidPlan)
	}
	if len(p.Builders) == 0 {
		return fmt.Errorf("%w: %s has no builders", ErrInvalidPlan, p.Identifier)
	}
	for i, b := range p.Builders {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%w: builder %d: %v", ErrInvalidPlan, i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p JobPlan) Clone() JobPlan {
	out := p
	out.Resources = cloneStrings(p.Resources)
	out.Builders = cloneBuilders(p.Builders)
	if p.Variables != nil {
		out.Variables = make(map[string]string, len(p.Variables))
		for k, v := range p.Variables {
			out.Variables[k] = v
		}
	}
	if p.Artifacts != nil {
		out.Artifacts = append([]ArtifactPlan(nil), p.Artifacts...)
	}
	return out
}

// Clone returns a deep copy of the cause.
func (c BuildCause) Clone() BuildCause {
	out := c
	if c.Revisions != nil {
		out.Revisions = append([]MaterialRevision(nil), c.Revisions...)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
