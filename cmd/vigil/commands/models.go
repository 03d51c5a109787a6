package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/VIGIL/vision/detect"
)

// ModelsCmd validates and lists a model manifest.
var ModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Validate and list a model manifest",
	Long: `Load a models.toml manifest, validate it, and list the declared models.

Example:
  vigil models --manifest models.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, _ := cmd.Flags().GetString("manifest")
		if manifest == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manifest = cfg.Detector.ManifestPath
		}
		if manifest == "" {
			return fmt.Errorf("no manifest: pass --manifest or set detector.manifest_path")
		}

		models, err := detect.LoadManifest(manifest)
		if err != nil {
			return err
		}

		pterm.Printf("%s %s\n", pterm.LightGreen("✓ Valid manifest:"), pterm.White(manifest))
		for _, m := range models {
			status := pterm.LightGreen("enabled")
			if !m.Enabled {
				status = pterm.Gray("disabled")
			}
			pterm.Printf("  %s %s %s %dx%d, %d classes (%s)\n",
				pterm.Gray("→"),
				pterm.Yellow(m.Name),
				pterm.LightMagenta(string(m.Framework)),
				m.InputWidth, m.InputHeight,
				len(m.ClassNames),
				status)
		}
		return nil
	},
}

func init() {
	ModelsCmd.Flags().String("manifest", "", "Path to a models.toml manifest")
}
