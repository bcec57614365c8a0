package config

// RegistryConfig configures the symbol registry. Mostly empty today;
// present so operators have a stable place for registry tuning without
// touching code.
type RegistryConfig struct {
	DefaultSearchLimit int `yaml:"default_search_limit"`
}

// VectorIndexConfig configures the vector indexer.
type VectorIndexConfig struct {
	Backend   string `yaml:"backend"` // "sqlite" or "postgres"
	Path      string `yaml:"path"`    // sqlite file path; empty = in-memory
	Dimension int    `yaml:"dimension"`
}
