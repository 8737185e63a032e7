// ABOUTME: Payload types carried by each action and the action-to-payload table.
// ABOUTME: AgentRuntimeInfo is the agent's self-description sent with every heartbeat.

package protocol

import (
	"github.com/2389/gantry/internal/checksum"
	"github.com/2389/gantry/internal/work"
)

// RuntimeStatus is the agent's runtime state as reported on the wire.
type RuntimeStatus string

const (
	StatusIdle        RuntimeStatus = "Idle"
	StatusBuilding    RuntimeStatus = "Building"
	StatusCancelled   RuntimeStatus = "Cancelled"
	StatusLostContact RuntimeStatus = "LostContact"
)

// AgentIdentifier names an agent host.
type AgentIdentifier struct {
	HostName  string `json:"hostName"`
	IPAddress string `json:"ipAddress"`
	UUID      string `json:"uuid"`
}

// AgentRuntimeInfo is what an agent says about itself on each heartbeat.
type AgentRuntimeInfo struct {
	Identifier      AgentIdentifier     `json:"identifier"`
	RuntimeStatus   RuntimeStatus       `json:"runtimeStatus"`
	BuildingJob     *work.JobIdentifier `json:"buildingJob,omitempty"`
	Location        string              `json:"location,omitempty"`
	UsableSpace     int64               `json:"usableSpace,omitempty"`
	OperatingSystem string              `json:"operatingSystemName,omitempty"`
	Resources       []string            `json:"resources,omitempty"`
	Environments    []string            `json:"environments,omitempty"`
	Cookie          string              `json:"cookie,omitempty"`
}

// SetCookie carries a freshly issued agent cookie.
type SetCookie struct {
	Cookie string `json:"cookie"`
}

// CancelBuild names the job the agent must stop.
type CancelBuild struct {
	Job work.JobIdentifier `json:"jobIdentifier"`
}

// Report is the payload of reportCurrentStatus, reportCompleting and
// reportCompleted. Checksums is only set on reportCompleting.
type Report struct {
	RuntimeInfo AgentRuntimeInfo   `json:"agentRuntimeInfo"`
	Job         work.JobIdentifier `json:"jobIdentifier"`
	JobState    work.JobState      `json:"jobState,omitempty"`
	Result      work.Result        `json:"result,omitempty"`
	Checksums   *checksum.Record   `json:"checksums,omitempty"`
}

// ConsoleOut carries a batch of console lines for a running job.
type ConsoleOut struct {
	Job   work.JobIdentifier `json:"jobIdentifier"`
	Lines []string           `json:"lines"`
}

// payloadFor returns a fresh pointer of the payload type for a, and whether a
// payload is required. A nil pointer means the action carries no payload.
func payloadFor(a Action) (ptr any, required bool) {
	switch a {
	case ActionPing:
		return new(AgentRuntimeInfo), false
	case ActionAssignWork:
		return new(work.Envelope), true
	case ActionCancelBuild:
		return new(CancelBuild), true
	case ActionSetCookie:
		return new(SetCookie), true
	case ActionReregister:
		return nil, false
	case ActionReportCurrentStatus, ActionReportCompleting, ActionReportCompleted:
		return new(Report), true
	case ActionConsoleOut:
		return new(ConsoleOut), true
	default:
		return nil, false
	}
}
