// Command server runs the Claude CLI API gateway: an OpenAI-compatible HTTP
// surface dispatching chat completions to the local Claude CLI or to an
// upstream OpenAI-compatible API.
package main

import (
	"errors"
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fred-drake/claude-cli-api/internal/cmd"
	"github.com/fred-drake/claude-cli-api/internal/config"
	"github.com/fred-drake/claude-cli-api/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Warnf("config file %s not found, using defaults", configPath)
		cfg = config.Default()
		configPath = ""
	}

	cmd.StartService(cfg, configPath)
}
