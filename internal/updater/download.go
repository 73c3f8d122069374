package updater

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"go.uber.org/zap"
)

type DownloaderConfig struct {
	Timeout time.Duration
	// VerifyHash compares the SHA-1 of the body with the artifact hash.
	VerifyHash bool
	// InsecureTLS accepts any server certificate.
	InsecureTLS bool
}

// Downloader fetches artifacts the way a device would and reports the
// outcome as an update status.
type Downloader struct {
	client     *http.Client
	verifyHash bool
	logger     *zap.Logger
}

func NewDownloader(cfg DownloaderConfig, logger *zap.Logger) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Downloader{
		client:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		verifyHash: cfg.VerifyHash,
		logger:     logger,
	}
}

// DownloadAll downloads every artifact of every module. Artifacts without
// a usable URL are skipped. A failure does not stop later downloads.
func (d *Downloader) DownloadAll(ctx context.Context, modules []types.SoftwareModule, targetToken, gatewayToken string) []*types.UpdateStatus {
	var results []*types.UpdateStatus
	for _, m := range modules {
		for _, artifact := range m.Artifacts {
			url, ok := artifact.PreferredURL()
			if !ok {
				d.logger.Debug("Artifact has no download URL", zap.String("filename", artifact.Filename))
				continue
			}
			results = append(results, d.Download(ctx, url, artifact, targetToken, gatewayToken))
		}
	}
	return results
}

// Download fetches one artifact from url.
func (d *Downloader) Download(ctx context.Context, url string, artifact types.Artifact, targetToken, gatewayToken string) *types.UpdateStatus {
	d.logger.Debug("Downloading artifact",
		zap.String("url", url),
		zap.String("token", MaskToken(targetToken)),
		zap.String("sha1", artifact.Hashes.SHA1),
		zap.Int64("size", artifact.Size))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return d.failed(url, err)
	}
	switch {
	case targetToken != "":
		req.Header.Set("Authorization", "TargetToken "+targetToken)
	case gatewayToken != "":
		req.Header.Set("Authorization", "GatewayToken "+gatewayToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.failed(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return d.errorStatus(fmt.Sprintf("Download %s failed (%d)", url, resp.StatusCode))
	}
	if resp.ContentLength != artifact.Size {
		return d.errorStatus(fmt.Sprintf("Download %s has wrong content length (Expected: %d but got: %d)",
			url, artifact.Size, resp.ContentLength))
	}

	digest := sha1.New() //nolint:gosec
	n, err := io.Copy(digest, resp.Body)
	if err != nil {
		return d.failed(url, err)
	}
	if n != artifact.Size {
		return d.errorStatus(fmt.Sprintf("Download %s is incomplete (Expected: %d but got: %d)", url, artifact.Size, n))
	}

	if d.verifyHash && artifact.Hashes.SHA1 != "" {
		got := hex.EncodeToString(digest.Sum(nil))
		if !strings.EqualFold(got, artifact.Hashes.SHA1) {
			return d.errorStatus(fmt.Sprintf("Download %s failed with SHA1 hash mismatch (Expected: %s but got: %s) (%d bytes)",
				url, artifact.Hashes.SHA1, got, n))
		}
	}

	message := fmt.Sprintf("Downloaded %s (%d bytes)", url, n)
	d.logger.Debug(message)
	return types.NewUpdateStatus(types.StatusSuccessful, message)
}

func (d *Downloader) failed(url string, err error) *types.UpdateStatus {
	d.logger.Error("Failed to download artifact", zap.String("url", url), zap.Error(err))
	return types.NewUpdateStatus(types.StatusError, fmt.Sprintf("Failed to download %s: %v", url, err))
}

func (d *Downloader) errorStatus(message string) *types.UpdateStatus {
	d.logger.Error(message)
	return types.NewUpdateStatus(types.StatusError, message)
}

// MaskToken hides all but the first and last two characters of a token.
func MaskToken(token string) string {
	switch {
	case token == "":
		return "<EMPTY>"
	case len(token) <= 6:
		return "***"
	default:
		return token[:2] + "***" + token[len(token)-2:]
	}
}
