// Package registry loads plugin manifests, gates them against the host SDK
// version, and indexes every registered handler for dispatch.
package registry

import (
	"path/filepath"

	version "github.com/hashicorp/go-version"
	"github.com/spf13/viper"

	"github.com/nexabus/nexabus/errors"
)

// ManifestFile is the expected file name inside each plugin directory.
const ManifestFile = "plugin.toml"

// SDKSpec declares the SDK version ranges a plugin was built against.
// Each field is a go-version constraint expression (">= 1.2, < 2.0").
type SDKSpec struct {
	Recommended string   `mapstructure:"recommended"`
	Supported   string   `mapstructure:"supported"`
	Untested    string   `mapstructure:"untested"`
	Conflicts   []string `mapstructure:"conflicts"`
}

// Manifest is the consumed plugin descriptor file. The registry never
// writes manifests.
type Manifest struct {
	ID          string   `mapstructure:"id"`
	Entry       string   `mapstructure:"entry"`
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Version     string   `mapstructure:"version"`
	Author      string   `mapstructure:"author"`
	SDK         SDKSpec  `mapstructure:"sdk"`
	Dependency  []string `mapstructure:"dependency"`
}

// LoadManifest parses one plugin.toml. The manifest nests everything under
// a [plugin] table.
func LoadManifest(path string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeValidation,
			"reading manifest "+filepath.Base(filepath.Dir(path)))
	}
	var m Manifest
	if err := v.UnmarshalKey("plugin", &m); err != nil {
		return nil, errors.WrapWithType(err, errors.ErrorTypeValidation,
			"parsing manifest "+path)
	}
	if m.ID == "" {
		return nil, errors.NewRequired("plugin.id").WithDetail("manifest", path)
	}
	if m.Entry == "" {
		return nil, errors.NewRequired("plugin.entry").WithDetail("manifest", path)
	}
	return &m, nil
}

// GateResult is the outcome of checking a manifest against the host SDK.
type GateResult struct {
	OK       bool
	Reason   string
	Warnings []string
}

// CheckSDK applies the manifest's version gates. Conflicts and an
// unsatisfied supported range reject the plugin; recommended and untested
// mismatches only warn.
func (m *Manifest) CheckSDK(hostSDK *version.Version) (GateResult, error) {
	res := GateResult{OK: true}
	for _, expr := range m.SDK.Conflicts {
		c, err := version.NewConstraint(expr)
		if err != nil {
			return res, errors.NewInvalid("plugin.sdk.conflicts", expr, err.Error())
		}
		if c.Check(hostSDK) {
			res.OK = false
			res.Reason = "host SDK " + hostSDK.String() + " is in conflict range " + expr
			return res, nil
		}
	}
	if m.SDK.Supported != "" {
		c, err := version.NewConstraint(m.SDK.Supported)
		if err != nil {
			return res, errors.NewInvalid("plugin.sdk.supported", m.SDK.Supported, err.Error())
		}
		if !c.Check(hostSDK) {
			res.OK = false
			res.Reason = "host SDK " + hostSDK.String() + " outside supported range " + m.SDK.Supported
			return res, nil
		}
	}
	if m.SDK.Recommended != "" {
		if c, err := version.NewConstraint(m.SDK.Recommended); err == nil && !c.Check(hostSDK) {
			res.Warnings = append(res.Warnings,
				"host SDK "+hostSDK.String()+" outside recommended range "+m.SDK.Recommended)
		}
	}
	if m.SDK.Untested != "" {
		if c, err := version.NewConstraint(m.SDK.Untested); err == nil && c.Check(hostSDK) {
			res.Warnings = append(res.Warnings,
				"host SDK "+hostSDK.String()+" is in untested range "+m.SDK.Untested)
		}
	}
	return res, nil
}
