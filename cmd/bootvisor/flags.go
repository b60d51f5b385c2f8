package main

import "time"

// Each command copies its cobra flags into one of these so that run* functions can be
// tested without cobra.

type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags are the flags of "bootvisor serve".
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// StatusFlags select where "bootvisor status" reads the report from: File, then APIUrl,
// then the daemon section of ConfigPath.
type StatusFlags struct {
	ConfigPath string
	File       string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	Token      string
	JSON       bool
}

type CheckConfigFlags struct {
	ConfigPath string
	JSON       bool
}

type TokenFlags struct {
	ConfigPath string
	Subject    string
	TTL        time.Duration
}
