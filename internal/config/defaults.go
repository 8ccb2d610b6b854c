package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "/usr/local/var/quiver/data/quiver.db"
	}
	if cfg.Store.Dimension == 0 {
		cfg.Store.Dimension = 128
	}
	if cfg.Store.Scorer == "" {
		cfg.Store.Scorer = "backend"
	}
	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = 3
	}
	if cfg.Store.RetryDelayMS == 0 {
		cfg.Store.RetryDelayMS = 1000
	}
	if cfg.Dense.DSN == "" {
		cfg.Dense.DSN = cfg.Store.DSN
	}
	if cfg.Dense.Dimension == 0 {
		cfg.Dense.Dimension = 768
	}
	if cfg.Query.DefaultK == 0 {
		cfg.Query.DefaultK = 10
	}
	if cfg.Query.MaxK == 0 {
		cfg.Query.MaxK = 100
	}
}
