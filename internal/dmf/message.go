package dmf

import (
	"encoding/json"
	"strings"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
)

// Header keys.
const (
	HeaderType        = "type"
	HeaderThingID     = "thingId"
	HeaderTenant      = "tenant"
	HeaderTopic       = "topic"
	HeaderSender      = "sender"
	HeaderContentType = "content-type"

	// headerTypeID is injected by some AMQP bridges and must never leave
	// the simulator.
	headerTypeID = "__TypeId__"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"

	senderName = "simulator"
)

type MessageType string

const (
	TypeEvent        MessageType = "EVENT"
	TypeThingCreated MessageType = "THING_CREATED"
	TypeThingDeleted MessageType = "THING_DELETED"
	TypePing         MessageType = "PING"
	TypePingResponse MessageType = "PING_RESPONSE"
)

type EventTopic string

const (
	TopicDownload                EventTopic = "DOWNLOAD"
	TopicDownloadAndInstall      EventTopic = "DOWNLOAD_AND_INSTALL"
	TopicCancelDownload          EventTopic = "CANCEL_DOWNLOAD"
	TopicUpdateActionStatus      EventTopic = "UPDATE_ACTION_STATUS"
	TopicUpdateAttributes        EventTopic = "UPDATE_ATTRIBUTES"
	TopicRequestAttributesUpdate EventTopic = "REQUEST_ATTRIBUTES_UPDATE"
	TopicMultiAction             EventTopic = "MULTI_ACTION"
)

type ActionStatus string

const (
	ActionStatusDownload   ActionStatus = "DOWNLOAD"
	ActionStatusDownloaded ActionStatus = "DOWNLOADED"
	ActionStatusRunning    ActionStatus = "RUNNING"
	ActionStatusFinished   ActionStatus = "FINISHED"
	ActionStatusError      ActionStatus = "ERROR"
	ActionStatusWarning    ActionStatus = "WARNING"
	ActionStatusCanceled   ActionStatus = "CANCELED"
)

// Message is one DMF message. On MQTT it travels as a JSON envelope.
type Message struct {
	Headers       map[string]string `json:"headers"`
	ContentType   string            `json:"contentType,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
}

func newMessage(msgType MessageType, tenant string) Message {
	return Message{
		Headers: map[string]string{
			HeaderType:   string(msgType),
			HeaderTenant: tenant,
		},
		ContentType: ContentTypeJSON,
	}
}

func (m Message) Header(key string) string {
	return m.Headers[key]
}

func (m Message) Type() MessageType {
	return MessageType(m.Headers[HeaderType])
}

func (m Message) Tenant() string {
	return m.Headers[HeaderTenant]
}

func (m Message) ThingID() string {
	return m.Headers[HeaderThingID]
}

// JSONContent reports whether the message is acceptable where a JSON body
// is required. Empty bodies always pass; a content-type header overrides
// the message property.
func (m Message) JSONContent() bool {
	if len(m.Body) == 0 {
		return true
	}
	contentType := m.ContentType
	if h := m.Headers[HeaderContentType]; h != "" {
		contentType = h
	}
	return strings.Contains(contentType, "json")
}

// Encode serializes the message envelope.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message envelope.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	return m, nil
}

type ArtifactHash struct {
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256,omitempty"`
}

type Artifact struct {
	Filename     string            `json:"filename"`
	URLs         map[string]string `json:"urls"`
	Hashes       ArtifactHash      `json:"hashes"`
	Size         int64             `json:"size"`
	LastModified int64             `json:"lastModified,omitempty"`
}

type SoftwareModule struct {
	ModuleID      uint64     `json:"moduleId"`
	ModuleType    string     `json:"moduleType"`
	ModuleVersion string     `json:"moduleVersion"`
	Artifacts     []Artifact `json:"artifacts"`
}

// DownloadRequest is the body of DOWNLOAD and DOWNLOAD_AND_INSTALL events.
type DownloadRequest struct {
	ActionID            uint64           `json:"actionId"`
	TargetSecurityToken string           `json:"targetSecurityToken"`
	SoftwareModules     []SoftwareModule `json:"softwareModules"`
}

// Modules converts the request modules into the simulator model.
func (r DownloadRequest) Modules() []types.SoftwareModule {
	modules := make([]types.SoftwareModule, 0, len(r.SoftwareModules))
	for _, m := range r.SoftwareModules {
		module := types.SoftwareModule{
			ID:        m.ModuleID,
			Type:      m.ModuleType,
			Version:   m.ModuleVersion,
			Artifacts: make([]types.Artifact, 0, len(m.Artifacts)),
		}
		for _, a := range m.Artifacts {
			module.Artifacts = append(module.Artifacts, types.Artifact{
				Filename: a.Filename,
				Size:     a.Size,
				Hashes:   types.ArtifactHashes{SHA1: a.Hashes.SHA1, MD5: a.Hashes.MD5, SHA256: a.Hashes.SHA256},
				URLs:     a.URLs,
			})
		}
		modules = append(modules, module)
	}
	return modules
}

type ActionRequest struct {
	ActionID uint64 `json:"actionId"`
}

type MultiActionElement struct {
	Topic  EventTopic      `json:"topic"`
	Weight int             `json:"weight,omitempty"`
	Action json.RawMessage `json:"action"`
}

type MultiActionRequest struct {
	Elements []MultiActionElement `json:"elements"`
}

type ActionUpdateStatus struct {
	ActionID     uint64       `json:"actionId"`
	ActionStatus ActionStatus `json:"actionStatus"`
	Message      []string     `json:"message,omitempty"`
}

type AttributeUpdate struct {
	Mode       types.UpdateMode  `json:"mode"`
	Attributes map[string]string `json:"attributes"`
}
