package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// S3Credentials is one named access-key / secret-key pair. Dataset records
// reference a pair by credentials_name; the keys themselves never appear in
// the catalog or the archive.
type S3Credentials struct {
	CredentialsName string `yaml:"credentials_name"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Secrets carries everything that must stay out of the runtime config file.
type Secrets struct {
	AdminDBPassword      string          `yaml:"admin_database_password"`
	PrivateDBCredentials []S3Credentials `yaml:"private_db_credentials"`
}

// S3 returns the credentials registered under name.
func (s *Secrets) S3(name string) (S3Credentials, error) {
	for _, c := range s.PrivateDBCredentials {
		if c.CredentialsName == name {
			return c, nil
		}
	}
	return S3Credentials{}, fmt.Errorf("no private db credentials named %q", name)
}

// LoadSecrets reads the secrets file at path. A missing path yields empty
// secrets so development setups run without one.
func LoadSecrets(path string) (*Secrets, error) {
	if path == "" {
		path = os.Getenv("DPSERVE_SECRETS_PATH")
	}
	if path == "" {
		return &Secrets{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	var secrets Secrets
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("decoding secrets file: %w", err)
	}
	return &secrets, nil
}
