package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewStaticRegistryValidation(t *testing.T) {
	if _, err := NewStaticRegistry([]Definition{{Name: "", AutonomyLevel: LevelPropose}}); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	if _, err := NewStaticRegistry([]Definition{{Name: "a", AutonomyLevel: 4}}); err == nil {
		t.Fatal("expected out-of-range level to be rejected")
	}
	if _, err := NewStaticRegistry([]Definition{
		{Name: "a", AutonomyLevel: LevelPropose},
		{Name: "a", AutonomyLevel: LevelSuggest},
	}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestStaticRegistryLookup(t *testing.T) {
	registry, err := NewStaticRegistry([]Definition{
		{Name: "send_notification", AutonomyLevel: LevelAutonomous, Reversible: true},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	def, err := registry.Lookup(context.Background(), "send_notification")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if def.AutonomyLevel != LevelAutonomous {
		t.Fatalf("unexpected level: %d", def.AutonomyLevel)
	}
	if def.RiskLevel != RiskLow {
		t.Fatalf("expected default risk level, got %s", def.RiskLevel)
	}

	if _, err := registry.Lookup(context.Background(), "missing"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestLoadStaticRegistryFromPolicyFile(t *testing.T) {
	policy := `
actions:
  - name: archive_records
    autonomy_level: 2
    risk_level: medium
    reversible: true
    description: "archive old records"
  - name: send_notification
    autonomy_level: 3
    risk_level: low
    reversible: true
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	registry, err := LoadStaticRegistry(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if len(registry.Names()) != 2 {
		t.Fatalf("expected 2 actions, got %v", registry.Names())
	}

	def, err := registry.Lookup(context.Background(), "archive_records")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if def.AutonomyLevel != LevelPropose || def.RiskLevel != RiskMedium || !def.Reversible {
		t.Fatalf("unexpected definition: %+v", def)
	}
}
