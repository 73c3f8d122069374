package ddi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
)

const (
	LinkDeploymentBase   = "deploymentBase"
	LinkConfirmationBase = "confirmationBase"
	LinkConfigData       = "configData"

	linkDownload     = "download"
	linkDownloadHTTP = "download-http"
)

type Link struct {
	Href string `json:"href"`
}

type Links map[string]Link

// Get returns the href of the named link, if the server sent one.
func (l Links) Get(name string) (string, bool) {
	link, ok := l[name]
	if !ok || link.Href == "" {
		return "", false
	}
	return link.Href, true
}

type PollingConfig struct {
	Sleep string `json:"sleep"`
}

type ControllerConfig struct {
	Polling PollingConfig `json:"polling"`
}

// ControllerBase is the response of the root controller poll.
type ControllerBase struct {
	Config ControllerConfig `json:"config"`
	Links  Links            `json:"_links"`
}

type HandlingType string

const (
	HandlingSkip    HandlingType = "skip"
	HandlingAttempt HandlingType = "attempt"
	HandlingForced  HandlingType = "forced"
)

type ArtifactHashes struct {
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256,omitempty"`
}

type Artifact struct {
	Filename string         `json:"filename"`
	Hashes   ArtifactHashes `json:"hashes"`
	Size     int64          `json:"size"`
	Links    Links          `json:"_links"`
}

type Chunk struct {
	Part      string     `json:"part"`
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	Artifacts []Artifact `json:"artifacts"`
}

type Deployment struct {
	Download HandlingType `json:"download"`
	Update   HandlingType `json:"update"`
	Chunks   []Chunk      `json:"chunks"`
}

type DeploymentBase struct {
	ID         string     `json:"id"`
	Deployment Deployment `json:"deployment"`
}

// ActionType maps the deployment's update handling onto the simulator's
// action types. Skipped installs are download-only.
func (d DeploymentBase) ActionType() types.ActionType {
	if d.Deployment.Update == HandlingSkip {
		return types.ActionDownload
	}
	return types.ActionDownloadAndInstall
}

// SoftwareModules converts the deployment chunks into the simulator's
// module representation.
func (d DeploymentBase) SoftwareModules() []types.SoftwareModule {
	modules := make([]types.SoftwareModule, 0, len(d.Deployment.Chunks))
	for _, chunk := range d.Deployment.Chunks {
		module := types.SoftwareModule{
			Type:      chunk.Part,
			Version:   chunk.Version,
			Artifacts: make([]types.Artifact, 0, len(chunk.Artifacts)),
		}
		for _, a := range chunk.Artifacts {
			urls := make(map[string]string)
			if href, ok := a.Links.Get(linkDownload); ok {
				urls[types.SchemeHTTPS] = href
			}
			if href, ok := a.Links.Get(linkDownloadHTTP); ok {
				urls[types.SchemeHTTP] = href
			}
			module.Artifacts = append(module.Artifacts, types.Artifact{
				Filename: a.Filename,
				Size:     a.Size,
				Hashes: types.ArtifactHashes{
					SHA1:   a.Hashes.SHA1,
					MD5:    a.Hashes.MD5,
					SHA256: a.Hashes.SHA256,
				},
				URLs: urls,
			})
		}
		modules = append(modules, module)
	}
	return modules
}

type Execution string

const (
	ExecutionClosed     Execution = "closed"
	ExecutionProceeding Execution = "proceeding"
	ExecutionDownload   Execution = "download"
	ExecutionDownloaded Execution = "downloaded"
)

type FinalResult string

const (
	ResultSuccess FinalResult = "success"
	ResultFailure FinalResult = "failure"
	ResultNone    FinalResult = "none"
)

type Result struct {
	Finished FinalResult `json:"finished"`
}

type Status struct {
	Execution Execution `json:"execution"`
	Result    Result    `json:"result"`
	Code      *int      `json:"code,omitempty"`
	Details   []string  `json:"details,omitempty"`
}

type ActionFeedback struct {
	Status Status `json:"status"`
}

// FeedbackFor maps an update status onto the DDI feedback vocabulary.
// It panics on statuses that have no DDI equivalent.
func FeedbackFor(status *types.UpdateStatus) ActionFeedback {
	if status == nil {
		panic(fmt.Errorf("%w: device has no update status", types.ErrUnknownResponseStatus))
	}

	details := append([]string(nil), status.Messages...)
	switch status.ResponseStatus {
	case types.StatusSuccessful:
		code := 200
		return ActionFeedback{Status: Status{Execution: ExecutionClosed, Result: Result{Finished: ResultSuccess}, Code: &code, Details: details}}
	case types.StatusError:
		return ActionFeedback{Status: Status{Execution: ExecutionClosed, Result: Result{Finished: ResultFailure}, Details: details}}
	case types.StatusDownloading:
		return ActionFeedback{Status: Status{Execution: ExecutionDownload, Result: Result{Finished: ResultNone}, Details: details}}
	case types.StatusDownloaded:
		return ActionFeedback{Status: Status{Execution: ExecutionDownloaded, Result: Result{Finished: ResultNone}, Details: details}}
	case types.StatusRunning:
		return ActionFeedback{Status: Status{Execution: ExecutionProceeding, Result: Result{Finished: ResultNone}, Details: details}}
	default:
		panic(fmt.Errorf("%w: %s", types.ErrUnknownResponseStatus, status.ResponseStatus))
	}
}

type Confirmation string

const (
	Confirmed Confirmation = "confirmed"
	Denied    Confirmation = "denied"
)

type ConfirmationFeedback struct {
	Confirmation Confirmation `json:"confirmation"`
	Code         int          `json:"code"`
	Details      []string     `json:"details,omitempty"`
}

func NewConfirmedFeedback() ConfirmationFeedback {
	return ConfirmationFeedback{
		Confirmation: Confirmed,
		Code:         0,
		Details:      []string{"the confirmation status for the device is " + string(Confirmed)},
	}
}

type ConfigData struct {
	Mode string            `json:"mode"`
	Data map[string]string `json:"data"`
}

func NewConfigData(mode types.UpdateMode, key, value string) ConfigData {
	return ConfigData{
		Mode: strings.ToLower(string(mode)),
		Data: map[string]string{key: value},
	}
}

// ActionIDFromHref extracts the action id from links like
// ".../deploymentBase/42?c=-2129030598".
func ActionIDFromHref(href string) (uint64, error) {
	if i := strings.IndexByte(href, '?'); i >= 0 {
		href = href[:i]
	}
	href = strings.TrimSuffix(href, "/")
	segment := href[strings.LastIndexByte(href, '/')+1:]

	id, err := strconv.ParseUint(segment, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse action id from %q: %w", href, err)
	}
	return id, nil
}
