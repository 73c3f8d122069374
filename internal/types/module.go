package types

// URL scheme keys used in Artifact.URLs.
const (
	SchemeHTTPS = "HTTPS"
	SchemeHTTP  = "HTTP"
)

type ArtifactHashes struct {
	SHA1   string `json:"sha1,omitempty" yaml:"sha1,omitempty"`
	MD5    string `json:"md5,omitempty" yaml:"md5,omitempty"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
}

// Artifact is one downloadable file of a software module.
type Artifact struct {
	Filename string            `json:"filename" yaml:"filename"`
	Size     int64             `json:"size" yaml:"size"`
	Hashes   ArtifactHashes    `json:"hashes" yaml:"hashes"`
	URLs     map[string]string `json:"urls" yaml:"urls"`
}

// PreferredURL returns the HTTPS url if present, else the HTTP one.
func (a Artifact) PreferredURL() (string, bool) {
	if u, ok := a.URLs[SchemeHTTPS]; ok && u != "" {
		return u, true
	}
	if u, ok := a.URLs[SchemeHTTP]; ok && u != "" {
		return u, true
	}
	return "", false
}

type SoftwareModule struct {
	ID        uint64     `json:"id" yaml:"id"`
	Type      string     `json:"type" yaml:"type"`
	Version   string     `json:"version" yaml:"version"`
	Artifacts []Artifact `json:"artifacts" yaml:"artifacts"`
}
