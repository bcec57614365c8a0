package config

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	InternalKeyEnv string `yaml:"internal_key_env"`
	JWTSecret      string `yaml:"-"` // populated from environment, never serialized
}

// StoreConfig selects and configures the key-value substrate.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}
