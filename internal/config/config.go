package config

import (
	"os"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Address  string
	LogLevel string

	// DataDir is the root for materialized scripts, model weights and the
	// default storage backends. OutputDir receives wrapper output files
	// before they are moved into the artifact store.
	DataDir   string
	OutputDir string

	// PythonPaths is the ordered interpreter search list. Empty means the
	// built-in defaults.
	PythonPaths []string

	Timeouts   Timeouts
	QueueDepth int

	AdminToken string
	HFToken    string
	SentryDSN  string

	TLS     *TLS
	Storage Storage
}

type Timeouts struct {
	Inference time.Duration
	Download  time.Duration
}

// UnmarshalYAML accepts Go duration strings ("120s", "2h").
func (t *Timeouts) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Inference string
		Download  string
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Inference != "" {
		d, err := time.ParseDuration(raw.Inference)
		if err != nil {
			return err
		}
		t.Inference = d
	}
	if raw.Download != "" {
		d, err := time.ParseDuration(raw.Download)
		if err != nil {
			return err
		}
		t.Download = d
	}
	return nil
}

type TLS struct {
	CertFile string // Path to certificate file
	KeyFile  string // Path to key file
	CertPEM  string // Raw certificate PEM (supports ${ENV_VAR} substitution)
	KeyPEM   string // Raw key PEM (supports ${ENV_VAR} substitution)
}

// Storage overrides the default gocloud URLs. Empty values select the
// file-backed defaults under DataDir.
type Storage struct {
	BlobURL     string
	DocstoreURL string
}

func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	var err error
	c.AdminToken, err = envsubst.EvalEnv(c.AdminToken)
	if err != nil {
		return nil, err
	}
	c.HFToken, err = envsubst.EvalEnv(c.HFToken)
	if err != nil {
		return nil, err
	}
	c.SentryDSN, err = envsubst.EvalEnv(c.SentryDSN)
	if err != nil {
		return nil, err
	}

	// TLS PEM env substitution
	if c.TLS != nil {
		if c.TLS.CertPEM != "" {
			c.TLS.CertPEM, err = envsubst.EvalEnv(c.TLS.CertPEM)
			if err != nil {
				return nil, err
			}
		}
		if c.TLS.KeyPEM != "" {
			c.TLS.KeyPEM, err = envsubst.EvalEnv(c.TLS.KeyPEM)
			if err != nil {
				return nil, err
			}
		}
	}

	c.applyDefaults()
	return c, nil
}

func FromFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":8585"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = home + "/.fluxkit"
	}
	if c.OutputDir == "" {
		c.OutputDir = c.DataDir + "/output"
	}
	if c.Timeouts.Inference == 0 {
		c.Timeouts.Inference = 300 * time.Second
	}
	if c.Timeouts.Download == 0 {
		c.Timeouts.Download = 2 * time.Hour
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 8
	}
}
