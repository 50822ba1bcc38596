package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(minimalFeeds))
	f.Add([]byte(`
client:
  campaign_mode: true
  base_delay: 500ms
  jitter_ratio: 0.5
breaker:
  failure_threshold: 3
session:
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
feeds:
  - name: ward-1
    url: "https://backend:3000/api/stream/ward-1"
    poll_url: "https://backend:3000/api/poll/ward-1"
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`feeds: []`))
	f.Add([]byte(`client: { multiplier: .nan }`))
	f.Add([]byte(`client: { jitter_ratio: -1 }
feeds:
  - name: a
    url: "http://localhost:3000/a"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Client.BaseDelay <= 0 || cfg.Client.EffectiveMaxDelay() < cfg.Client.BaseDelay {
			t.Errorf("invalid delays escaped validation: %v %v", cfg.Client.BaseDelay, cfg.Client.EffectiveMaxDelay())
		}
		if j := cfg.Client.Jitter(); j < 0 || j > 1 {
			t.Errorf("invalid jitter escaped validation: %v", j)
		}
		if cfg.Client.EffectiveMaxAttempts() < 1 {
			t.Errorf("non-positive attempt ceiling escaped validation: %d", cfg.Client.EffectiveMaxAttempts())
		}
		if len(cfg.Feeds) == 0 {
			t.Error("empty feed list escaped validation")
		}
	})
}
