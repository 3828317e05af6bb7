package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"maillog/pkg/models"
)

type fileRelayRule struct {
	Exact    string `yaml:"exact"`
	Contains string `yaml:"contains"`
	Stage    string `yaml:"stage"`
}

type fileVirusSignature struct {
	Stage string `yaml:"stage"`
	Match string `yaml:"match"`
}

type fileRules struct {
	Relays          []fileRelayRule      `yaml:"relays"`
	IgnoredRelays   []string             `yaml:"ignored_relays"`
	VirusSignatures []fileVirusSignature `yaml:"virus_signatures"`
	IgnoreLines     []string             `yaml:"ignore_lines"`
	RejectStage     string               `yaml:"reject_stage"`
}

// Load reads a YAML classification table. Deployments with a different
// relay layout supply their own file instead of patching the engine.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f fileRules
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	r := &Rules{
		IgnoredRelays: f.IgnoredRelays,
		IgnoreLine:    f.IgnoreLines,
		RejectStage:   models.StageIncoming,
	}

	for i, rule := range f.Relays {
		if rule.Exact == "" && rule.Contains == "" {
			return nil, fmt.Errorf("relay rule %d: exact or contains is required", i)
		}
		st, err := ParseStage(rule.Stage)
		if err != nil {
			return nil, fmt.Errorf("relay rule %d: %w", i, err)
		}
		r.Relays = append(r.Relays, RelayRule{Exact: rule.Exact, Contains: rule.Contains, Stage: st})
	}

	for i, sig := range f.VirusSignatures {
		st, err := ParseStage(sig.Stage)
		if err != nil {
			return nil, fmt.Errorf("virus signature %d: %w", i, err)
		}
		if sig.Match == "" {
			return nil, fmt.Errorf("virus signature %d: match is required", i)
		}
		r.Viruses = append(r.Viruses, VirusSignature{Stage: st, Match: sig.Match})
	}

	if f.RejectStage != "" {
		st, err := ParseStage(f.RejectStage)
		if err != nil {
			return nil, fmt.Errorf("reject_stage: %w", err)
		}
		r.RejectStage = st
	}

	r.compile()
	return r, nil
}

// ParseStage converts a stage name used in rule files to its Stage value.
func ParseStage(name string) (models.Stage, error) {
	for _, s := range []models.Stage{
		models.StageNoQueue,
		models.StageIncoming,
		models.StageAntiVirus,
		models.StageSpamFilter,
		models.StageWhitelist,
		models.StageContentFilter,
		models.StageRelay,
		models.StageBounce,
		models.StageIgnored,
	} {
		if s.String() == name {
			return s, nil
		}
	}
	return models.StageNone, fmt.Errorf("unknown stage %q", name)
}
