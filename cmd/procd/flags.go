package main

import "time"

// GlobalFlags are the persistent flags shared by every subcommand.
// Instance and BaseDir override the config file and PROCD_ environment.
type GlobalFlags struct {
	ConfigPath string
	Instance   string
	BaseDir    string
	Timeout    time.Duration
}

// DaemonFlags Flag structs to decouple cobra from logic for testing.
type DaemonFlags struct {
	Foreground bool
	// Detached is set on the re-executed child of a daemonizing parent.
	Detached bool
	Wait     time.Duration
}

type StartFlags struct {
	ID      string
	WorkDir string
	EnvKVs  []string
	Args    []string
}

type StopFlags struct {
	ID    string
	Force bool
}

type StatusFlags struct {
	ID string
}

type LogFlags struct {
	ID     string
	Lines  int
	Follow bool
}

type KillInstanceFlags struct {
	Name string
	// Wait bounds the SIGTERM grace period used when the control channel
	// is unreachable.
	Wait time.Duration
}
