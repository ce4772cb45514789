package config

import (
	"cmp"
	"slices"
	"strings"
)

// Module layers, in start order. The app stops modules in reverse, so the
// gateway stops accepting requests before the stores it reads close.
var moduleLayers = []string{"store.", "telemetry."}

const gatewayPrefix = "gateway."

func moduleLayer(id string) int {
	if strings.HasPrefix(id, gatewayPrefix) {
		return len(moduleLayers) + 1
	}
	for i, prefix := range moduleLayers {
		if strings.HasPrefix(id, prefix) {
			return i
		}
	}
	return len(moduleLayers)
}

// Resolve returns the configured module IDs in load order: stores, then
// telemetry, then everything else, then gateways. IDs within a layer are
// sorted.
func Resolve(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Modules))
	for id := range cfg.Modules {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Or(cmp.Compare(moduleLayer(a), moduleLayer(b)), strings.Compare(a, b))
	})
	return ids
}
