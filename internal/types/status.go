package types

type ResponseStatus string

const (
	StatusRunning     ResponseStatus = "RUNNING"
	StatusDownloading ResponseStatus = "DOWNLOADING"
	StatusDownloaded  ResponseStatus = "DOWNLOADED"
	StatusSuccessful  ResponseStatus = "SUCCESSFUL"
	StatusError       ResponseStatus = "ERROR"
	StatusConfirmed   ResponseStatus = "CONFIRMED"
)

func (s ResponseStatus) String() string {
	return string(s)
}

// Terminal reports whether the status retires the action it belongs to.
func (s ResponseStatus) Terminal() bool {
	return s == StatusSuccessful || s == StatusError
}

// UpdateStatus is the lifecycle value a simulated device reports for its
// current update attempt. Messages are append-only within one attempt.
type UpdateStatus struct {
	ResponseStatus ResponseStatus `json:"response_status"`
	Messages       []string       `json:"messages"`
}

func NewUpdateStatus(status ResponseStatus, messages ...string) *UpdateStatus {
	msgs := make([]string, 0, len(messages))
	msgs = append(msgs, messages...)
	return &UpdateStatus{
		ResponseStatus: status,
		Messages:       msgs,
	}
}

// AddMessage appends a message to the status.
func (u *UpdateStatus) AddMessage(message string) {
	u.Messages = append(u.Messages, message)
}

// Clone returns a copy that does not share the message slice.
func (u *UpdateStatus) Clone() *UpdateStatus {
	if u == nil {
		return nil
	}
	return NewUpdateStatus(u.ResponseStatus, u.Messages...)
}
