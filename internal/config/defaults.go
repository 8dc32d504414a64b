package config

import "time"

// DefaultConfigPath is the config file used when --config is not given, relative to $HOME.
const DefaultConfigPath = ".kioku/config.yaml"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ".kioku/data/kioku.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = ".kioku/data/bleve"
	}

	e := &cfg.Embedding
	if e.Provider == "" {
		e.Provider = ProviderStub
	}
	if e.Model == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.APIKeyEnv == "" {
		e.APIKeyEnv = "OPENAI_API_KEY"
	}
	if e.Dimensions == 0 {
		if e.Provider == ProviderOpenAI {
			e.Dimensions = 1536
		} else {
			e.Dimensions = 256
		}
	}
	if e.Timeout == 0 {
		e.Timeout = 30 * time.Second
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.RetryDelay == 0 {
		e.RetryDelay = 2 * time.Second
	}
	if e.BatchSize == 0 {
		e.BatchSize = 64
	}
	if e.MaxInFlight == 0 {
		e.MaxInFlight = 4
	}
	if e.CacheSize == 0 {
		e.CacheSize = 1000
	}

	if cfg.Chunking.MaxLength == 0 {
		cfg.Chunking.MaxLength = 1200
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 150
	}
	if cfg.Ingest.MaxBytes == 0 {
		cfg.Ingest.MaxBytes = 2 << 20
	}
	if cfg.Ingest.MaxPages == 0 {
		cfg.Ingest.MaxPages = 2000
	}

	if cfg.Indexer.Workers == 0 {
		cfg.Indexer.Workers = 1
	}
	if cfg.Indexer.MaxAttempts == 0 {
		cfg.Indexer.MaxAttempts = 3
	}
	if cfg.Indexer.RetryDelay == 0 {
		cfg.Indexer.RetryDelay = time.Second
	}
	if cfg.Indexer.PollInterval == 0 {
		cfg.Indexer.PollInterval = 2 * time.Second
	}

	r := &cfg.Retrieval
	if r.DefaultK == 0 {
		r.DefaultK = 5
	}
	if r.MaxK == 0 {
		r.MaxK = 100
	}
	if r.TopKCandidates == 0 {
		r.TopKCandidates = 100
	}
	// Both unset means defaults; setting one to 0 on purpose keeps it at 0.
	if r.LexicalWeight == 0 && r.VectorWeight == 0 {
		r.LexicalWeight = 0.3
		r.VectorWeight = 0.7
	}
	if r.SourceBoost == 0 {
		r.SourceBoost = 1.0
	}
	if r.PhraseBoost == 0 {
		r.PhraseBoost = 1.0
	}
	if r.Fuzziness == 0 {
		r.Fuzziness = 1
	}

	if cfg.Assembly.DefaultBudget == 0 {
		cfg.Assembly.DefaultBudget = 4000
	}
	if cfg.Assembly.ComplexBudget == 0 {
		cfg.Assembly.ComplexBudget = 12000
	}

	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".rst", ".pdf", ".docx", ".xlsx", ".pptx", ".odp", ".ods", ".odt", ".rtf"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Sources) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
