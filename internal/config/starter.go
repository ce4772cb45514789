package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StarterOptions are the answers that shape a generated config file.
type StarterOptions struct {
	Manager   string
	URL       string
	WebSocket bool
	Bind      string
	// JWTSecretEnv and AdminTokenEnv name the environment variables the
	// generated file reads its secrets from.
	JWTSecretEnv  string
	AdminTokenEnv string
}

// Starter renders a minimal, valid config file. Secrets are written as
// ${VAR} references, never as values.
func Starter(o StarterOptions) ([]byte, error) {
	if o.Manager == "" {
		o.Manager = ManagerLocal
	}
	if o.Bind == "" {
		o.Bind = "127.0.0.1:8080"
	}
	if o.JWTSecretEnv == "" {
		o.JWTSecretEnv = "PULSE_JWT_SECRET"
	}

	cfg := Config{
		Version:      "1",
		Log:          LogConfig{Level: "info", Format: "text"},
		Coordination: CoordinationConfig{Manager: o.Manager, Prefix: "pulse"},
		Realtime:     RealtimeConfig{WebSocket: &o.WebSocket},
		Auth:         AuthConfig{JWTSecret: envRef(o.JWTSecretEnv)},
		Modules:      map[string]yaml.Node{},
	}
	if o.Manager != ManagerLocal {
		cfg.Coordination.URL = o.URL
	}

	gateway := map[string]any{"bind": o.Bind}
	if o.AdminTokenEnv != "" {
		gateway["auth"] = map[string]string{"bearer_token": envRef(o.AdminTokenEnv)}
	}
	for id, v := range map[string]any{
		"gateway.http": gateway,
		"store.sqlite": map[string]any{},
	} {
		var node yaml.Node
		if err := node.Encode(v); err != nil {
			return nil, fmt.Errorf("config: encode %s: %w", id, err)
		}
		cfg.Modules[id] = node
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("config: render starter: %w", err)
	}
	return out, nil
}

func envRef(name string) string { return "${" + name + "}" }
