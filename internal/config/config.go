// Package config loads and validates the Taviblock configuration document:
// targets, profiles, progressive-penalty settings, and app bindings. It is
// the boundary where untyped YAML becomes the typed domain model; nothing
// downstream ever looks at raw config again.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tavinathanson/taviblock/internal/domain"
)

// SearchPaths is the standard lookup order when no explicit path is given,
// matching the reference implementation's search order.
var SearchPaths = []string{
	"/etc/taviblock/config.yaml",
	filepath.Join(xdgConfigHome(), "taviblock", "config.yaml"),
	"./config.yaml",
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// WaitSpec is either a scalar number of minutes or {base, concurrent_penalty}.
type WaitSpec struct {
	BaseMinutes              float64
	ConcurrentPenaltyMinutes float64
}

// UnmarshalYAML accepts either a bare number or a mapping with base/
// concurrent_penalty keys.
func (w *WaitSpec) UnmarshalYAML(value *yaml.Node) error {
	var scalar float64
	if err := value.Decode(&scalar); err == nil {
		w.BaseMinutes = scalar
		w.ConcurrentPenaltyMinutes = 0
		return nil
	}
	var obj struct {
		Base             float64 `yaml:"base"`
		ConcurrentPenalty float64 `yaml:"concurrent_penalty"`
	}
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("wait: expected a number or {base, concurrent_penalty}: %w", err)
	}
	w.BaseMinutes = obj.Base
	w.ConcurrentPenaltyMinutes = obj.ConcurrentPenalty
	return nil
}

// DomainEntry is a leaf under the `domains` key: either a group (with
// `domains`) or a bare target (the key itself is the domain).
type DomainEntry struct {
	Tags    []string `yaml:"tags"`
	Domains []string `yaml:"domains"`
}

// TagRule overrides wait for targets carrying any of Tags.
type TagRule struct {
	Tags         []string `yaml:"tags" validate:"required"`
	WaitOverride float64  `yaml:"wait_override" validate:"gte=0"`
}

// ProfileSpec is the raw, validated shape of a `profiles.<name>` entry.
type ProfileSpec struct {
	Description string    `yaml:"description"`
	Wait        WaitSpec  `yaml:"wait" validate:"required"`
	Duration    float64   `yaml:"duration" validate:"required,gt=0"`
	Cooldown    float64   `yaml:"cooldown" validate:"gte=0"`
	All         bool      `yaml:"all"`
	Tags        []string  `yaml:"tags"`
	Only        []string  `yaml:"only"`
	TagRules    []TagRule `yaml:"tag_rules" validate:"dive"`
	Default     bool      `yaml:"default"`
}

// ProgressivePenaltySpec is the `progressive_penalty` block.
type ProgressivePenaltySpec struct {
	Enabled         bool     `yaml:"enabled"`
	PerUnblock      float64  `yaml:"per_unblock" validate:"gte=0"`
	ExcludeProfiles []string `yaml:"exclude_profiles"`
}

// Document is the full decoded configuration document.
type Document struct {
	DefaultProfile      string                  `yaml:"default_profile"`
	Domains             map[string]DomainEntry  `yaml:"domains" validate:"required"`
	Profiles            map[string]ProfileSpec  `yaml:"profiles" validate:"required,dive"`
	ProgressivePenalty  ProgressivePenaltySpec  `yaml:"progressive_penalty"`
	AppBindings         map[string]string       `yaml:"app_bindings"`

	// Daemon operational settings. Not part of the original domain model,
	// but every daemon needs to know where to bind and where to write.
	ControlSocket string `yaml:"control_socket"`
	HostsPath     string `yaml:"hosts_path"`
	DataDir       string `yaml:"data_dir"`
	LogLevel      string `yaml:"log_level"`
	LogPath       string `yaml:"log_path"`
}

var knownTopLevelKeys = map[string]bool{
	"default_profile": true, "domains": true, "profiles": true,
	"progressive_penalty": true, "app_bindings": true,
	"control_socket": true, "hosts_path": true, "data_dir": true,
	"log_level": true, "log_path": true,
}

// Load reads and validates the document at path. An empty path searches
// SearchPaths in order.
func Load(path string) (*Document, error) {
	if path == "" {
		for _, candidate := range SearchPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("config: no config file found in %v", SearchPaths)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	warnUnknownTopLevelKeys(raw, path)
	if err := rejectUnknownNestedKeys(raw); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&doc)

	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("config: %s is invalid: %w", path, err)
	}

	return &doc, nil
}

func applyDefaults(doc *Document) {
	if doc.ControlSocket == "" {
		doc.ControlSocket = "/var/run/taviblockd.sock"
	}
	if doc.HostsPath == "" {
		doc.HostsPath = "/etc/hosts"
	}
	if doc.DataDir == "" {
		doc.DataDir = "/var/lib/taviblock"
	}
	if doc.LogLevel == "" {
		doc.LogLevel = "info"
	}
}

// warnUnknownTopLevelKeys logs (to stderr, since the logger may not yet be
// configured) any top-level key the schema doesn't recognise. Per §6, this
// is a warning, not a validation failure.
func warnUnknownTopLevelKeys(raw []byte, path string) {
	var loose map[string]any
	if err := yaml.Unmarshal(raw, &loose); err != nil {
		return
	}
	for k := range loose {
		if !knownTopLevelKeys[k] {
			fmt.Fprintf(os.Stderr, "config: %s: unrecognised top-level key %q (ignored)\n", path, k)
		}
	}
}

var knownProfileKeys = map[string]bool{
	"description": true, "wait": true, "duration": true, "cooldown": true,
	"all": true, "tags": true, "only": true, "tag_rules": true, "default": true,
}

var knownDomainEntryKeys = map[string]bool{
	"tags": true, "domains": true,
}

var knownTagRuleKeys = map[string]bool{
	"tags": true, "wait_override": true,
}

var knownProgressivePenaltyKeys = map[string]bool{
	"enabled": true, "per_unblock": true, "exclude_profiles": true,
}

// rejectUnknownNestedKeys walks the raw document as map[string]any and
// fails on any unrecognised key inside profiles.<name>, domains.<name>,
// tag_rules[], or progressive_penalty. Unlike top-level keys (§6: warn
// and ignore), a typo inside a nested block silently changes behaviour
// in a way the operator is unlikely to notice, so it's a hard error.
func rejectUnknownNestedKeys(raw []byte) error {
	var loose map[string]any
	if err := yaml.Unmarshal(raw, &loose); err != nil {
		return nil // the real unmarshal below reports the parse error
	}

	if profiles, ok := loose["profiles"].(map[string]any); ok {
		for name, v := range profiles {
			spec, ok := v.(map[string]any)
			if !ok {
				continue
			}
			for k, vv := range spec {
				if k == "tag_rules" {
					if err := rejectUnknownRuleKeys(name, vv); err != nil {
						return err
					}
					continue
				}
				if !knownProfileKeys[k] {
					return fmt.Errorf("profiles.%s: unrecognised key %q", name, k)
				}
			}
		}
	}

	if domains, ok := loose["domains"].(map[string]any); ok {
		for name, v := range domains {
			entry, ok := v.(map[string]any)
			if !ok {
				continue // a bare leaf, e.g. `netflix.com:` with no mapping
			}
			for k := range entry {
				if !knownDomainEntryKeys[k] {
					return fmt.Errorf("domains.%s: unrecognised key %q", name, k)
				}
			}
		}
	}

	if pp, ok := loose["progressive_penalty"].(map[string]any); ok {
		for k := range pp {
			if !knownProgressivePenaltyKeys[k] {
				return fmt.Errorf("progressive_penalty: unrecognised key %q", k)
			}
		}
	}

	return nil
}

func rejectUnknownRuleKeys(profile string, rulesValue any) error {
	rules, ok := rulesValue.([]any)
	if !ok {
		return nil
	}
	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for k := range rule {
			if !knownTagRuleKeys[k] {
				return fmt.Errorf("profiles.%s.tag_rules: unrecognised key %q", profile, k)
			}
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	return v
}

func validateDocument(doc *Document) error {
	if err := validate.Struct(doc); err != nil {
		return err
	}
	if doc.DefaultProfile != "" {
		if _, ok := doc.Profiles[doc.DefaultProfile]; !ok {
			return fmt.Errorf("default_profile %q is not defined under profiles", doc.DefaultProfile)
		}
	}
	defaults := 0
	for name, p := range doc.Profiles {
		if p.Default {
			defaults++
		}
		if len(p.Tags) > 0 && len(p.Only) > 0 {
			return fmt.Errorf("profile %q: tags and only are mutually exclusive selectors", name)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one profile may be marked default, found %d", defaults)
	}
	for name, entry := range doc.Domains {
		if len(entry.Domains) == 0 && len(entry.Tags) == 0 {
			// A bare leaf: the key itself is the domain. Nothing further
			// to validate.
			_ = name
		}
	}
	return nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ToDomain converts the validated document into the domain.Target and
// domain.Profile slices the rest of the system operates on.
func (doc *Document) ToDomain() ([]domain.Target, []domain.Profile) {
	targets := make([]domain.Target, 0, len(doc.Domains))
	for name, entry := range doc.Domains {
		t := domain.Target{Name: name, Tags: entry.Tags}
		if len(entry.Domains) > 0 {
			t.Domains = entry.Domains
		} else {
			t.Domains = []string{name}
		}
		targets = append(targets, t)
	}

	profiles := make([]domain.Profile, 0, len(doc.Profiles))
	for name, p := range doc.Profiles {
		rules := make([]domain.TagRule, 0, len(p.TagRules))
		for _, r := range p.TagRules {
			rules = append(rules, domain.TagRule{Tags: r.Tags, WaitOverride: minutes(r.WaitOverride)})
		}
		profiles = append(profiles, domain.Profile{
			Name:        name,
			Description: p.Description,
			Wait: domain.WaitSpec{
				Base:              minutes(p.Wait.BaseMinutes),
				ConcurrentPenalty: minutes(p.Wait.ConcurrentPenaltyMinutes),
			},
			Duration: minutes(p.Duration),
			Cooldown: minutes(p.Cooldown),
			All:      p.All,
			Tags:     p.Tags,
			Only:     p.Only,
			TagRules: rules,
			Default:  p.Default,
		})
	}
	return targets, profiles
}

// ProgressivePenaltyConfig converts the raw spec into duration units used by the
// policy engine.
func (doc *Document) ProgressivePenaltyConfig() (enabled bool, perUnblock time.Duration, exclude map[string]bool) {
	exclude = make(map[string]bool, len(doc.ProgressivePenalty.ExcludeProfiles))
	for _, p := range doc.ProgressivePenalty.ExcludeProfiles {
		exclude[p] = true
	}
	return doc.ProgressivePenalty.Enabled, seconds(doc.ProgressivePenalty.PerUnblock), exclude
}
