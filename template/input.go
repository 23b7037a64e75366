// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MyKeyName is the placeholder bound to the pubkey1 field.
	MyKeyName = "MY_KEY"

	// OtherKeyName is the placeholder bound to the pubkey2 field.
	OtherKeyName = "OTHER_KEY"
)

// Input is the record that describes the wallet: its key material and the
// policy templates of the external and internal branches.
type Input struct {
	PubKey1      string            `json:"pubkey1" yaml:"pubkey1"`
	PubKey2      string            `json:"pubkey2" yaml:"pubkey2"`
	Policy       string            `json:"policy" yaml:"policy"`
	ChangePolicy string            `json:"change_policy,omitempty" yaml:"change_policy,omitempty"`
	Keys         map[string]string `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// LoadInput reads an input record from a JSON file, or from a YAML file when
// the extension is .yaml or .yml.
func LoadInput(path string) (*Input, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		str := fmt.Sprintf("unable to read input %s: %v", path, err)
		return nil, templateError(ErrReadInput, str)
	}

	var input Input
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &input)
	default:
		err = json.Unmarshal(content, &input)
	}
	if err != nil {
		str := fmt.Sprintf("unable to decode input %s: %v", path, err)
		return nil, templateError(ErrMalformedInput, str)
	}

	log.Debugf("Loaded input from %s", path)
	return &input, nil
}

// fieldName returns the input field that supplies the placeholder name.
func fieldName(name string) string {
	switch name {
	case MyKeyName:
		return "pubkey1"
	case OtherKeyName:
		return "pubkey2"
	}
	return "keys." + name
}

// Vars returns the placeholder values of the record. Empty fields have no
// value.
func (in *Input) Vars() map[string]string {
	vars := make(map[string]string, len(in.Keys)+2)
	for name, value := range in.Keys {
		if value != "" {
			vars[name] = value
		}
	}
	if in.PubKey1 != "" {
		vars[MyKeyName] = in.PubKey1
	}
	if in.PubKey2 != "" {
		vars[OtherKeyName] = in.PubKey2
	}
	return vars
}

// Resolve resolves the policy templates of both branches. The internal branch
// uses change_policy when it is set and policy otherwise. A placeholder
// without a value is an ErrMissingField error.
func (in *Input) Resolve() (external, internal string, err error) {
	if strings.TrimSpace(in.Policy) == "" {
		return "", "", templateError(ErrMissingField,
			"input is missing the policy field")
	}

	internalTmpl := in.Policy
	if strings.TrimSpace(in.ChangePolicy) != "" {
		internalTmpl = in.ChangePolicy
	}

	vars := in.Vars()
	for _, tmpl := range []string{in.Policy, internalTmpl} {
		for _, name := range Placeholders(tmpl) {
			if _, ok := vars[name]; !ok {
				str := fmt.Sprintf("input is missing %s for "+
					"placeholder $%s", fieldName(name), name)
				return "", "", templateError(ErrMissingField, str)
			}
		}
	}

	external = Resolve(in.Policy, vars)
	internal = Resolve(internalTmpl, vars)
	log.Debugf("Resolved external policy %s", external)
	log.Debugf("Resolved internal policy %s", internal)
	return external, internal, nil
}
