// Package config decodes the kernel's boot-time device/mount manifest.
// Grounded on gopkg.in/yaml.v3 as used by tinyrange/cc's examples/shared
// config loading, retargeted from a sandbox-image manifest to a kernel
// mount-table/device-registry seed list (spec.md §10.3 of SPEC_FULL.md).
package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Mount describes one entry to seed into the mount table at boot.
type Mount struct {
	Prefix     string `yaml:"prefix"`
	Filesystem string `yaml:"filesystem"` // "fat" or "devices"
	Source     string `yaml:"source,omitempty"`
}

// Device names one device to register before mounts are resolved.
type Device struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // "keyboard", "mouse", "power", "tty", "net"
}

// Manifest is the whole boot-time configuration document.
type Manifest struct {
	LogLevel string   `yaml:"log_level"`
	LogFile  string   `yaml:"log_file"`
	Mounts   []Mount  `yaml:"mounts"`
	Devices  []Device `yaml:"devices"`
	Init     string   `yaml:"init"`
	InitArgv []string `yaml:"init_argv"`
}

// Decode parses a manifest document from r.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode boot manifest: %w", err)
	}

	if m.LogFile == "" {
		m.LogFile = "/kernel.log"
	}

	if m.Init == "" {
		m.Init = "/init"
	}

	return &m, nil
}

// Default returns the built-in manifest used when no boot-cmdline manifest
// path is supplied, mirroring the teacher flag package's hardcoded default
// boot parameters.
func Default() *Manifest {
	return &Manifest{
		LogLevel: "info",
		LogFile:  "/kernel.log",
		Mounts: []Mount{
			{Prefix: "/", Filesystem: "fat", Source: "ata0"},
			{Prefix: "/devices", Filesystem: "devices"},
		},
		Devices: []Device{
			{Name: "keyboard", Kind: "keyboard"},
			{Name: "mouse", Kind: "mouse"},
			{Name: "power", Kind: "power"},
			{Name: "tty0", Kind: "tty"},
			{Name: "net0", Kind: "net"},
		},
		Init:     "/init",
		InitArgv: []string{"/init"},
	}
}
