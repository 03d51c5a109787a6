package detect

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/teranos/VIGIL/errors"
)

// manifestFile is the on-disk shape of a models.toml manifest.
type manifestFile struct {
	Model []ModelConfig `toml:"model"`
}

// LoadManifest reads a TOML model manifest of [[model]] blocks and validates
// it: unique names, known frameworks, nonzero input sizes.
func LoadManifest(path string) ([]ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}

	var mf manifestFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrapf(err, "parse manifest %s", path)
	}
	if len(mf.Model) == 0 {
		return nil, errors.NewInvalidConfigError("manifest %s declares no models", path)
	}

	seen := make(map[string]bool, len(mf.Model))
	for _, mc := range mf.Model {
		if mc.Name == "" {
			return nil, errors.NewInvalidConfigError("manifest %s: model with empty name", path)
		}
		if seen[mc.Name] {
			return nil, errors.NewInvalidConfigError("manifest %s: duplicate model %q", path, mc.Name)
		}
		seen[mc.Name] = true

		if !knownFramework(mc.Framework) {
			return nil, errors.NewInvalidConfigError("manifest %s: model %q has unknown framework %q", path, mc.Name, mc.Framework)
		}
		if mc.InputWidth <= 0 || mc.InputHeight <= 0 {
			return nil, errors.NewInvalidConfigError("manifest %s: model %q has invalid input size %dx%d",
				path, mc.Name, mc.InputWidth, mc.InputHeight)
		}
	}

	return mf.Model, nil
}
