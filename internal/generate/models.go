package generate

import (
	"os"
	"path/filepath"

	"github.com/fluxkit/fluxkit/internal/bridge"
)

// ModelState describes whether a model's weights are usable locally.
type ModelState string

const (
	ModelAvailable   ModelState = "available"
	ModelDownloading ModelState = "downloading"
	ModelAbsent      ModelState = "absent"
)

// ModelInfo is the catalog entry for one supported model.
type ModelInfo struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	SizeGB      float64    `json:"size_gb"`
	State       ModelState `json:"state"`
}

var modelCatalog = []ModelInfo{
	{Name: ModelSchnell, DisplayName: "FLUX.1 Schnell", SizeGB: 31.4},
	{Name: ModelDev, DisplayName: "FLUX.1 Dev", SizeGB: 34.0},
}

// completeMarker is written by the download script once all weights landed.
const completeMarker = ".complete"

// ListModels returns the closed model catalog with per-model local state.
func (g *Generator) ListModels() []ModelInfo {
	models := make([]ModelInfo, len(modelCatalog))
	copy(models, modelCatalog)

	downloading := g.bridge.Busy(bridge.SlotDownload)
	for i := range models {
		switch {
		case g.modelDownloaded(models[i].Name):
			models[i].State = ModelAvailable
		case downloading && g.currentDownload() == models[i].Name:
			models[i].State = ModelDownloading
		default:
			models[i].State = ModelAbsent
		}
	}
	return models
}

func (g *Generator) modelDownloaded(name string) bool {
	_, err := os.Stat(filepath.Join(g.modelsDir, name, completeMarker))
	return err == nil
}

func knownModel(name string) bool {
	for _, m := range modelCatalog {
		if m.Name == name {
			return true
		}
	}
	return false
}
