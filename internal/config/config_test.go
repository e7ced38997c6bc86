package config

import "testing"

func TestDefaultConfigMatchesFixedConstants(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Semantic.Threshold != 0.2 {
		t.Fatalf("expected threshold 0.2, got %v", cfg.Semantic.Threshold)
	}
	if cfg.Semantic.Capacity != 50000 {
		t.Fatalf("expected capacity 50000, got %v", cfg.Semantic.Capacity)
	}
	if !cfg.Semantic.Enabled {
		t.Fatalf("expected semantic search enabled by default")
	}
}

func TestDefaultConfigDerivesPathsUnderDataDir(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HistoryDBPath == "" || cfg.EmbeddingsDBPath == "" || cfg.ModelDir == "" {
		t.Fatalf("expected all derived paths populated, got %+v", cfg)
	}
}
