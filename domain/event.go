// mirror/domain/event.go
package domain

// Step names one stage of an import or refetch.
type Step string

const (
	StepParse      Step = "parse"
	StepMetadata   Step = "metadata"
	StepVersion    Step = "version"
	StepNode       Step = "node"
	StepDiff       Step = "diff"
	StepSnapshot   Step = "snapshot"
	StepScreenshot Step = "screenshot"
	StepVariables  Step = "variables"
	StepSVG        Step = "svg"
	StepImages     Step = "images"
	StepSave       Step = "save"

	StepDone  Step = "done"
	StepError Step = "error"
)

// ImportSteps is the step sequence of an import.
var ImportSteps = []Step{
	StepParse, StepMetadata, StepNode, StepScreenshot,
	StepVariables, StepSVG, StepImages, StepSave,
}

// RefetchSteps is the step sequence of a refetch.
var RefetchSteps = []Step{
	StepVersion, StepNode, StepDiff, StepSnapshot, StepScreenshot,
	StepVariables, StepSVG, StepImages, StepSave,
}

type Status string

const (
	StatusStart    Status = "start"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusSkip     Status = "skip"
)

const DoneMessage = "Operation completed successfully"

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Event is one transition pushed over a progress stream.
type Event struct {
	Step     Step      `json:"step"`
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Data     Payload   `json:"data,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

// Terminal reports whether e closes its stream.
func (e Event) Terminal() bool {
	return e.Step == StepDone || e.Step == StepError
}

// Payload is the closed set of step payloads. Each step carries exactly one
// payload type.
type Payload interface {
	step() Step
}

type ParsePayload struct {
	FileKey string `json:"file_key"`
	NodeID  string `json:"node_id"`
}

type MetadataPayload struct {
	FileName string `json:"file_name"`
	Revision string `json:"revision"`
}

type VersionPayload struct {
	LocalRevision  string `json:"local_revision,omitempty"`
	RemoteRevision string `json:"remote_revision"`
	UpToDate       bool   `json:"up_to_date"`
}

type NodePayload struct {
	Name      string `json:"name"`
	NodeCount int    `json:"node_count"`
}

type DiffPayload struct {
	Initial bool        `json:"initial"`
	Summary DiffSummary `json:"summary"`
	Report  string      `json:"report,omitempty"`
}

type SnapshotPayload struct {
	Folder   string `json:"folder"`
	Revision string `json:"revision"`
}

type ScreenshotPayload struct {
	Bytes int `json:"bytes"`
}

type VariablesPayload struct {
	Count  int    `json:"count"`
	Source string `json:"source"`
}

type SVGPayload struct {
	Count int `json:"count"`
}

type ImagesPayload struct {
	Downloaded int `json:"downloaded"`
	Reused     int `json:"reused"`
}

type SavePayload struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
}

type DonePayload struct {
	Outcome    Outcome `json:"outcome"`
	ResourceID string  `json:"resource_id"`
	Revision   string  `json:"revision,omitempty"`
}

func (ParsePayload) step() Step      { return StepParse }
func (MetadataPayload) step() Step   { return StepMetadata }
func (VersionPayload) step() Step    { return StepVersion }
func (NodePayload) step() Step       { return StepNode }
func (DiffPayload) step() Step       { return StepDiff }
func (SnapshotPayload) step() Step   { return StepSnapshot }
func (ScreenshotPayload) step() Step { return StepScreenshot }
func (VariablesPayload) step() Step  { return StepVariables }
func (SVGPayload) step() Step        { return StepSVG }
func (ImagesPayload) step() Step     { return StepImages }
func (SavePayload) step() Step       { return StepSave }
func (DonePayload) step() Step       { return StepDone }

// PayloadStep returns the step a payload belongs to.
func PayloadStep(p Payload) Step {
	return p.step()
}
