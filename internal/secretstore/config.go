package secretstore

// Config declares the secret providers an environment may reference.
// It lives under the secrets: key of ~/.trinoctl/config.yaml.
type Config struct {
	DefaultProvider string                    `yaml:"defaultProvider,omitempty"`
	Providers       map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// ProviderConfig carries the settings of one provider. Type selects
// the backend (file or vault); the remaining fields apply per type.
type ProviderConfig struct {
	Type string `yaml:"type,omitempty"`

	// file provider
	Path string `yaml:"path,omitempty"`

	// vault provider
	Address             string `yaml:"address,omitempty"`
	Token               string `yaml:"token,omitempty"`
	Namespace           string `yaml:"namespace,omitempty"`
	Mount               string `yaml:"mount,omitempty"`
	KVVersion           int    `yaml:"kvVersion,omitempty"`
	Key                 string `yaml:"key,omitempty"`
	AuthMethod          string `yaml:"authMethod,omitempty"`
	AuthMount           string `yaml:"authMount,omitempty"`
	RoleID              string `yaml:"roleId,omitempty"`
	SecretID            string `yaml:"secretId,omitempty"`
	KubernetesRole      string `yaml:"kubernetesRole,omitempty"`
	KubernetesToken     string `yaml:"kubernetesToken,omitempty"`
	KubernetesTokenPath string `yaml:"kubernetesTokenPath,omitempty"`
	AWSRole             string `yaml:"awsRole,omitempty"`
	AWSRegion           string `yaml:"awsRegion,omitempty"`
	AWSHeaderValue      string `yaml:"awsHeaderValue,omitempty"`
}

// Empty reports whether the configuration declares nothing.
func (c Config) Empty() bool {
	return c.DefaultProvider == "" && len(c.Providers) == 0
}
