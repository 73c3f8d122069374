package updater

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"go.uber.org/zap"
)

const (
	msgSimulationBegins   = "Simulation begins!"
	msgDownloadComplete   = "Simulator: Download complete!"
	msgSimulationComplete = "Simulation complete!"
)

// simulate runs one command mode update: announce, download every
// artifact, then install.
func (o *Orchestrator) simulate(ctx context.Context, device devices.Device, req devices.UpdateRequest) {
	report := func(status *types.UpdateStatus) {
		device.SetUpdateStatus(status)
		req.Feedback(ctx, device)
	}

	report(types.NewUpdateStatus(types.StatusRunning, msgSimulationBegins))

	if hasArtifacts(req.Modules) {
		report(downloadingStatus(req.Modules))

		o.logger.Info("Simulate downloads", zap.String("device_id", device.ID()))
		result := o.downloadAll(ctx, device, req)
		report(result)
		if result.ResponseStatus == types.StatusError {
			device.Clean()
			return
		}
		o.logger.Info("Download simulations complete", zap.String("device_id", device.ID()))
	} else if req.ActionType == types.ActionDownload {
		report(types.NewUpdateStatus(types.StatusDownloaded, msgDownloadComplete))
	}

	if req.ActionType == types.ActionDownloadAndInstall {
		report(types.NewUpdateStatus(types.StatusSuccessful, msgSimulationComplete))
		device.Clean()
	}
}

func hasArtifacts(modules []types.SoftwareModule) bool {
	for _, m := range modules {
		if len(m.Artifacts) > 0 {
			return true
		}
	}
	return false
}

func downloadingStatus(modules []types.SoftwareModule) *types.UpdateStatus {
	status := types.NewUpdateStatus(types.StatusDownloading)
	for _, m := range modules {
		for _, a := range m.Artifacts {
			status.AddMessage(fmt.Sprintf("Download starts for: %s with SHA1 hash %s and size %d",
				a.Filename, a.Hashes.SHA1, a.Size))
		}
	}
	return status
}

// downloadAll collects the result of every artifact download. Any failed
// download turns the whole batch into an error.
func (o *Orchestrator) downloadAll(ctx context.Context, device devices.Device, req devices.UpdateRequest) *types.UpdateStatus {
	result := types.NewUpdateStatus(types.StatusDownloaded, msgDownloadComplete)
	if o.downloader == nil {
		return result
	}

	for _, status := range o.downloader.DownloadAll(ctx, req.Modules, device.TargetToken(), req.GatewayToken) {
		result.Messages = append(result.Messages, status.Messages...)
		if status.ResponseStatus == types.StatusError {
			result.ResponseStatus = types.StatusError
		}
	}
	return result
}
