package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersion is written by Default. Loaded files must share its
// major version.
const SupportedSchemaVersion = "1.0.0"

// supportedMajor is the semver major accepted by Load.
const supportedMajor = "v1"

// Load validates the YAML document against the embedded JSON schema, decodes
// it strictly, checks the schema version and performs logical validation.
func Load(configYAML []byte, filePathHint string) (*Config, error) {
	if len(bytes.TrimSpace(configYAML)) == 0 {
		return nil, kverrors.NewConfigError("configuration content cannot be empty", nil)
	}

	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("configuration '%s' failed schema validation", filePathHint), err)
	}

	var cfg Config
	if err := yamlUnmarshalStrict(configYAML, &cfg); err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("failed to parse configuration YAML '%s'", filePathHint), err)
	}
	cfg.FilePath = filePathHint

	if cfg.SchemaVersion == "" {
		return nil, kverrors.NewValidationError(fmt.Sprintf("configuration '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	version := cfg.SchemaVersion
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return nil, kverrors.NewValidationError(fmt.Sprintf("configuration '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, cfg.SchemaVersion), nil)
	}
	if semver.Major(version) != supportedMajor {
		return nil, kverrors.NewValidationError(
			fmt.Sprintf("configuration '%s' schemaVersion '%s' is not compatible with required '%s'",
				filePathHint, cfg.SchemaVersion, supportedMajor),
			nil,
		)
	}

	if errs := ValidateConfig(&cfg); len(errs) > 0 {
		messages := make([]string, 0, len(errs))
		for _, e := range errs {
			messages = append(messages, e.Error())
		}
		return nil, kverrors.NewValidationError(
			fmt.Sprintf("configuration '%s' has %d validation error(s):\n- %s",
				filePathHint, len(messages), strings.Join(messages, "\n- ")),
			errs[0])
	}
	return &cfg, nil
}

// LoadFromFile reads and loads the configuration at filePath.
func LoadFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, kverrors.NewConfigError("configuration file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, kverrors.NewConfigError(fmt.Sprintf("failed to read configuration file '%s'", absPath), err)
	}
	return Load(data, absPath)
}

// yamlUnmarshalStrict rejects fields that Config does not define.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
