package types

import "strings"

// Protocol selects how a simulated device talks to the update server.
type Protocol string

const (
	ProtocolPoll Protocol = "DDI"
	ProtocolPush Protocol = "DMF"
)

// ParseProtocol accepts "ddi"/"poll" and "dmf"/"push" in any case.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ddi", "poll":
		return ProtocolPoll, true
	case "dmf", "push":
		return ProtocolPush, true
	default:
		return "", false
	}
}

// ActionType is what the server asked a device to do with an action.
type ActionType string

const (
	ActionDownload           ActionType = "DOWNLOAD"
	ActionDownloadAndInstall ActionType = "DOWNLOAD_AND_INSTALL"
)

func (a ActionType) Supported() bool {
	return a == ActionDownload || a == ActionDownloadAndInstall
}

// Final reports whether status ends an action of this type.
// Download-only actions stop once the artifacts are on the device.
func (a ActionType) Final(status ResponseStatus) bool {
	if status.Terminal() {
		return true
	}
	return a == ActionDownload && status == StatusDownloaded
}

// UpdateMode controls how attribute updates are applied on the server.
type UpdateMode string

const (
	ModeMerge   UpdateMode = "MERGE"
	ModeReplace UpdateMode = "REPLACE"
	ModeRemove  UpdateMode = "REMOVE"
)

// ParseUpdateMode is case insensitive and falls back to ModeMerge.
func ParseUpdateMode(s string) UpdateMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replace":
		return ModeReplace
	case "remove":
		return ModeRemove
	default:
		return ModeMerge
	}
}
