package main

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/types"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("output = %q, want version %q", out.String(), version)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	names := reg.LLMNames()
	for _, want := range builtinProviders {
		if !slices.Contains(names, want) {
			t.Errorf("provider %q not registered", want)
		}
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"organization": "org-1", "n": 3}
	tests := []struct {
		name string
		opts map[string]any
		key  string
		want string
	}{
		{"present", opts, "organization", "org-1"},
		{"wrong type", opts, "n", ""},
		{"absent", opts, "missing", ""},
		{"nil map", nil, "organization", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := optString(tt.opts, tt.key); got != tt.want {
				t.Errorf("optString = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAgentRequiresRoom(t *testing.T) {
	err := runAgent(context.Background(), agentFlags{kind: "room"})
	if err == nil || !strings.Contains(err.Error(), "--room") {
		t.Errorf("err = %v, want missing room error", err)
	}
}

func TestAgentRejectsUnknownKind(t *testing.T) {
	err := runAgent(context.Background(), agentFlags{room: "r", kind: "fax"})
	if err == nil || !strings.Contains(err.Error(), "fax") {
		t.Errorf("err = %v, want invalid kind error", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(t.TempDir() + "/nope.yaml")
	if err == nil || !strings.Contains(err.Error(), "configs/example.yaml") {
		t.Errorf("err = %v, want hint", err)
	}
}

func TestApplyAgentOverrides(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		kind        types.CallKind
		env         map[string]string
		wantMode    string
		wantProfile string
		wantMax     time.Duration
		wantErr     bool
	}{
		{
			name:        "personality and seconds",
			kind:        types.CallInbound,
			env:         map[string]string{envPersonality: "coach", envMaxDuration: "90"},
			wantMode:    "coach",
			wantProfile: config.ProfileTelephony,
			wantMax:     90 * time.Second,
		},
		{
			name:        "go duration on a room",
			kind:        types.CallRoom,
			env:         map[string]string{envMaxDuration: "2m"},
			wantMode:    config.DefaultMode,
			wantProfile: config.ProfileChat,
			wantMax:     2 * time.Minute,
		},
		{
			name:    "garbage",
			kind:    types.CallRoom,
			env:     map[string]string{envMaxDuration: "soon"},
			wantErr: true,
		},
		{
			name:    "negative",
			kind:    types.CallRoom,
			env:     map[string]string{envMaxDuration: "-5s"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			err := applyAgentOverrides(cfg, tt.kind, func(k string) string { return tt.env[k] })
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("applyAgentOverrides: %v", err)
			}
			if cfg.Dialogue.DefaultMode != tt.wantMode {
				t.Errorf("default mode = %q, want %q", cfg.Dialogue.DefaultMode, tt.wantMode)
			}
			if got := cfg.Dialogue.Profiles[tt.wantProfile].MaxDuration; got != tt.wantMax {
				t.Errorf("max duration = %v, want %v", got, tt.wantMax)
			}
		})
	}
}
