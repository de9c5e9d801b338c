package config

import (
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Credential is one issued API key/secret pair together with the identity it
// resolves to.
type Credential struct {
	Key     string   `koanf:"key"`
	Secret  string   `koanf:"secret"`
	Subject string   `koanf:"subject"`
	Scopes  []string `koanf:"scopes"`
}

type credentialDocument struct {
	Credentials []Credential `koanf:"credentials"`
}

// LoadCredentials reads the API credential registry from a yaml/json/toml
// document. Entries with a missing key or secret are rejected outright since a
// partially loaded credential set would silently lock callers out.
func LoadCredentials(path string) ([]Credential, error) {
	parser, err := credentialParserFor(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load credentials %s: %w", path, err)
	}

	var doc credentialDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal credentials %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(doc.Credentials))
	for i, cred := range doc.Credentials {
		if strings.TrimSpace(cred.Key) == "" {
			return nil, fmt.Errorf("config: credentials[%d] key required", i)
		}
		if strings.TrimSpace(cred.Secret) == "" {
			return nil, fmt.Errorf("config: credentials[%d] secret required", i)
		}
		if strings.TrimSpace(cred.Subject) == "" {
			return nil, fmt.Errorf("config: credentials[%d] subject required", i)
		}
		if _, dup := seen[cred.Key]; dup {
			return nil, fmt.Errorf("config: duplicate credential key %q", cred.Key)
		}
		seen[cred.Key] = struct{}{}
	}
	return doc.Credentials, nil
}

func credentialParserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported credentials file extension %s", ext)
	}
}

func isSupportedCredentialsFile(path string) bool {
	_, err := credentialParserFor(path)
	return err == nil
}
