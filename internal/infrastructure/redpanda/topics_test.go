package redpanda

import "testing"

func TestDefaultTopicConfigs(t *testing.T) {
	seen := make(map[string]bool)
	for _, cfg := range DefaultTopicConfigs() {
		if seen[cfg.Name] {
			t.Errorf("duplicate topic %s", cfg.Name)
		}
		seen[cfg.Name] = true
		if cfg.Partitions <= 0 {
			t.Errorf("%s: partitions = %d", cfg.Name, cfg.Partitions)
		}
		if cfg.Configs["retention.ms"] == nil {
			t.Errorf("%s: retention.ms not set", cfg.Name)
		}
	}
	for _, name := range []string{TopicBatches, TopicReports, TopicDeadLetter} {
		if !seen[name] {
			t.Errorf("topic %s missing from defaults", name)
		}
	}
}
