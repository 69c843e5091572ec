package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	appconfig "github.com/homeguard/troubled/internal/config"
)

// osExit is a seam for tests: the devmode subcommands call it instead of
// os.Exit directly so a test can swap it for a function that records the
// exit code.
var osExit = os.Exit

var devmodeCmd = &cobra.Command{
	Use:   "devmode",
	Short: "Toggle development-mode timing flags",
	Long: `Enable or disable the development-mode timing properties that compress
the comm-fail and pre-low-battery schedules from minutes/days down to
milliseconds/minutes, for demos and local testing.`,
}

var devmodeEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable fast comm-fail timing and minute-granularity pre-low-battery elevation",
	Run: func(cmd *cobra.Command, args []string) {
		if err := setDevMode(true); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
			return
		}
		fmt.Println("dev mode enabled (fast comm-fail + minute-granularity pre-low-battery)")
	},
}

var devmodeDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Restore production comm-fail and pre-low-battery timing",
	Run: func(cmd *cobra.Command, args []string) {
		if err := setDevMode(false); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
			return
		}
		fmt.Println("dev mode disabled (production timing restored)")
	},
}

var devmodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current dev-mode property values",
	Run: func(cmd *cobra.Command, args []string) {
		props, err := readDevModeProps()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			osExit(1)
			return
		}
		for _, key := range devModePropertyOrder {
			fmt.Printf("  %s = %s\n", key, props[key])
		}
	},
}

func init() {
	devmodeCmd.AddCommand(devmodeEnableCmd)
	devmodeCmd.AddCommand(devmodeDisableCmd)
	devmodeCmd.AddCommand(devmodeStatusCmd)
}

// devModePropertyOrder lists the dev-mode keys that devmode reads and
// writes, and the order in which `devmode status` prints them.
// properties.json itself is written with its keys sorted.
var devModePropertyOrder = []string{
	"security.testing.fastCommFail.flag",
	"prelow-battery-days-dev-mode",
}

func devModePropertiesPath() (string, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return "", err
	}
	return cfg.PropertiesPath(), nil
}

func readDevModeProps() (map[string]string, error) {
	path, err := devModePropertiesPath()
	if err != nil {
		return nil, err
	}
	out := defaultDevModeProps()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, nil
	}
	for _, key := range devModePropertyOrder {
		if v, ok := raw[key]; ok {
			out[key] = string(v)
		}
	}
	return out, nil
}

func defaultDevModeProps() map[string]string {
	return map[string]string{
		"security.testing.fastCommFail.flag": "false",
		"prelow-battery-days-dev-mode":        "false",
	}
}

// setDevMode flips both dev-mode flags together in properties.json,
// preserving any other keys already present (spec §6.4 property facade
// is a flat JSON object; devmode only ever touches its own two keys).
func setDevMode(enable bool) error {
	path, err := devModePropertiesPath()
	if err != nil {
		return err
	}
	return applyDevModeToPath(path, enable)
}

// applyDevModeToPath is setDevMode's path-parameterized core, reused by
// buildEngine to honor TROUBLED_DEV_MODE at startup against the already-
// resolved config path, without re-deriving it via appconfig.Load.
func applyDevModeToPath(path string, enable bool) error {
	existing := make(map[string]json.RawMessage)
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &existing)
	}

	value := json.RawMessage("false")
	if enable {
		value = json.RawMessage("true")
	}
	for _, key := range devModePropertyOrder {
		existing[key] = value
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
