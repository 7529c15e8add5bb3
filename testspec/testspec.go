// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package testspec loads test specifications from YAML or TOML files.

A specification declares the nodes of a test, how to run them, and the
payloads to inject into each node. For example:

	nodes: [n1, n2, n3]
	backend: process
	command: ["./echo-node"]
	idle_timeout: 500ms
	env:
	  - name: LOG_LEVEL
	    value: debug
	input:
	  n1: ["hello", "base64:AAEC"]

Payloads are UTF-8 strings unless prefixed with "base64:", in which case
the rest of the string is standard base64 encoded binary data.
*/
package testspec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
	"github.com/rbmk-project/mesh/runner"
	"gopkg.in/yaml.v3"
)

// Format is the format of a specification file.
type Format string

const (
	// FormatYAML is the YAML format.
	FormatYAML Format = "yaml"

	// FormatTOML is the TOML format.
	FormatTOML Format = "toml"
)

const (
	// BackendProcess runs nodes as local processes.
	BackendProcess = "process"

	// BackendDocker runs nodes as containers.
	BackendDocker = "docker"
)

// DefaultIdleTimeout is the idle timeout used when a specification has none.
const DefaultIdleTimeout = time.Second

// base64Prefix marks a binary payload.
const base64Prefix = "base64:"

var (
	// ErrUnknownFormat indicates a file extension we cannot parse.
	ErrUnknownFormat = errors.New("testspec: unknown file format")

	// ErrInvalidSpec indicates a specification with invalid values.
	ErrInvalidSpec = errors.New("testspec: invalid specification")
)

// Docker contains the options of the docker backend.
type Docker struct {
	// Pull indicates whether to pull the image before launching.
	Pull bool `yaml:"pull" toml:"pull"`

	// NamePrefix is the optional container name prefix.
	NamePrefix string `yaml:"name_prefix" toml:"name_prefix"`
}

// Spec is a test specification.
type Spec struct {
	// Nodes contains the node identities.
	Nodes []string `yaml:"nodes" toml:"nodes"`

	// Backend is either [BackendProcess] or [BackendDocker]. If
	// empty, we use [BackendProcess].
	Backend string `yaml:"backend" toml:"backend"`

	// Image is the container image.
	Image string `yaml:"image" toml:"image"`

	// Tag is the container image tag.
	Tag string `yaml:"tag" toml:"tag"`

	// Command is the command each node runs.
	Command []string `yaml:"command" toml:"command"`

	// Dir is the working directory of process nodes, relative to
	// the directory containing the specification file.
	Dir string `yaml:"dir" toml:"dir"`

	// Env contains environment variables for every node.
	Env []node.Env `yaml:"env" toml:"env"`

	// IdleTimeout is a Go duration string such as "500ms".
	IdleTimeout string `yaml:"idle_timeout" toml:"idle_timeout"`

	// Input maps node identities to the payloads to inject.
	Input map[string][]string `yaml:"input" toml:"input"`

	// Docker contains the docker backend options.
	Docker Docker `yaml:"docker" toml:"docker"`

	// path is the file the specification was loaded from.
	path string
}

// FormatFor returns the [Format] matching the extension of path.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Load reads and parses the specification at path.
func Load(path string) (*Spec, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	spec.path = path
	return spec, nil
}

// MustLoad is like [Load] but panics on error.
func MustLoad(path string) *Spec {
	return runtimex.Try1(Load(path))
}

// Parse parses a specification in the given [Format], rejecting
// unknown fields.
func Parse(data []byte, format Format) (*Spec, error) {
	spec := &Spec{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(spec); err != nil {
			return nil, err
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		if err := dec.DisallowUnknownFields().Decode(spec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err := spec.check(); err != nil {
		return nil, err
	}
	return spec, nil
}

// check validates the fields that [runner.Test] does not cover.
func (s *Spec) check() error {
	switch s.Backend {
	case "", BackendProcess:
		if len(s.Command) <= 0 {
			return fmt.Errorf("%w: the process backend requires a command", ErrInvalidSpec)
		}
	case BackendDocker:
		if s.Image == "" {
			return fmt.Errorf("%w: the docker backend requires an image", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidSpec, s.Backend)
	}
	return nil
}

// BackendName returns the effective backend name.
func (s *Spec) BackendName() string {
	if s.Backend == "" {
		return BackendProcess
	}
	return s.Backend
}

// WorkDir returns the effective working directory of process nodes.
func (s *Spec) WorkDir() string {
	if s.Dir == "" || filepath.IsAbs(s.Dir) || s.path == "" {
		return s.Dir
	}
	return filepath.Join(filepath.Dir(s.path), s.Dir)
}

// Test converts the specification into a validated [*runner.Test].
func (s *Spec) Test() (*runner.Test, error) {
	idle := DefaultIdleTimeout
	if s.IdleTimeout != "" {
		value, err := time.ParseDuration(s.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: idle_timeout: %w", ErrInvalidSpec, err)
		}
		idle = value
	}

	input := make(map[message.NodeID][][]byte, len(s.Input))
	for id, payloads := range s.Input {
		for idx, payload := range payloads {
			data, err := DecodePayload(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: input %s[%d]: %w", ErrInvalidSpec, id, idx, err)
			}
			input[id] = append(input[id], data)
		}
	}

	t := &runner.Test{
		Nodes:       s.Nodes,
		Input:       input,
		Image:       s.Image,
		Tag:         s.Tag,
		Command:     s.Command,
		Env:         s.Env,
		IdleTimeout: idle,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// DecodePayload decodes a payload written as a UTF-8 string or as a
// "base64:" prefixed base64 string.
func DecodePayload(payload string) ([]byte, error) {
	if encoded, found := strings.CutPrefix(payload, base64Prefix); found {
		return base64.StdEncoding.DecodeString(encoded)
	}
	return []byte(payload), nil
}
