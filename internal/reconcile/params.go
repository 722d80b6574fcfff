// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

type ParamType string

const (
	ParamString   ParamType = "string"
	ParamInt      ParamType = "int"
	ParamBool     ParamType = "bool"
	ParamDuration ParamType = "duration"
)

// ParamSpec declares one job parameter.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Default     string    `json:"default,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Params are the resolved, validated parameters of one run.
type Params map[string]string

// ResolveParams applies defaults from specs to raw and validates the result.
// Unknown keys are rejected.
func ResolveParams(specs []ParamSpec, raw map[string]string) (Params, error) {
	out := make(Params, len(specs))
	known := make(map[string]ParamSpec, len(specs))
	for _, spec := range specs {
		known[spec.Name] = spec
	}

	for _, key := range slices.Sorted(maps.Keys(raw)) {
		if _, ok := known[key]; !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrInvalidParams, key)
		}
	}

	for _, spec := range specs {
		value, ok := raw[spec.Name]
		if !ok || strings.TrimSpace(value) == "" {
			if spec.Required && spec.Default == "" {
				return nil, fmt.Errorf("%w: %s is required", ErrInvalidParams, spec.Name)
			}
			value = spec.Default
		}
		if value != "" {
			if err := checkParam(spec, value); err != nil {
				return nil, err
			}
		}
		out[spec.Name] = value
	}
	return out, nil
}

func checkParam(spec ParamSpec, value string) error {
	var err error
	switch spec.Type {
	case ParamInt:
		_, err = strconv.ParseInt(value, 10, 64)
	case ParamBool:
		_, err = strconv.ParseBool(value)
	case ParamDuration:
		_, err = time.ParseDuration(value)
	case ParamString, "":
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidParams, spec.Name, spec.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a valid %s", ErrInvalidParams, spec.Name, value, spec.Type)
	}
	return nil
}

func (p Params) String(name string) string {
	return p[name]
}

func (p Params) Int(name string) int {
	v, _ := strconv.Atoi(p[name])
	return v
}

func (p Params) Bool(name string) bool {
	v, _ := strconv.ParseBool(p[name])
	return v
}

func (p Params) Duration(name string) time.Duration {
	v, _ := time.ParseDuration(p[name])
	return v
}
