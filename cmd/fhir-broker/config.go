package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
)

// loadConfig mirrors the teacher's cmd/tempo-federated-querier loadConfig:
// find -config.file/-config.expand-env/-config.verify first (tolerating
// unknown flags along the way), register defaults, overlay the YAML file
// if given, then let the remaining command-line flags win.
func loadConfig() (*config.Config, bool, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
		configVerifyOption    = "config.verify"
	)

	var (
		configFile      string
		configExpandEnv bool
		configVerify    bool
	)

	args := os.Args[1:]
	cfg := &config.Config{}

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	fs.BoolVar(&configVerify, configVerifyOption, false, "")

	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}
		if configExpandEnv {
			expanded, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, false, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buf = []byte(expanded)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, false, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// Re-register the already-consumed flags so the final flag.Parse
	// below doesn't reject them as unknown.
	flag.String(configFileOption, configFile, "Configuration file to load")
	flag.Bool(configExpandEnvOption, configExpandEnv, "Whether to expand environment variables in config file")
	flag.Bool(configVerifyOption, configVerify, "Verify configuration and exit")
	flag.Parse()

	return cfg, configVerify, nil
}
