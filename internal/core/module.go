// Package core provides the module system for pulse: a registry of compiled
// modules, the lifecycle interfaces they opt into, and the App that drives them.
package core

// ModuleID is a namespaced module identifier such as "gateway.http".
type ModuleID string

// Module is implemented by every pluggable component.
type Module interface {
	ModuleInfo() ModuleInfo
}

// ModuleInfo describes a module and how to instantiate it.
type ModuleInfo struct {
	ID  ModuleID
	New func() Module
}
