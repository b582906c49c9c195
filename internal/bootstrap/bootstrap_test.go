package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/agentim-chat/agentim/internal/config"
)

func TestRunFirstInitRequiresCredentials(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  config.Config
	}{
		{name: "both missing", cfg: config.Config{}},
		{name: "password missing", cfg: config.Config{AdminUsername: "admin"}},
		{name: "username missing", cfg: config.Config{AdminPassword: "hunter2hunter2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := RunFirstInit(context.Background(), nil, &tc.cfg)
			if err == nil {
				t.Fatal("expected error for missing admin credentials")
			}
			if !strings.Contains(err.Error(), "ADMIN_USERNAME") {
				t.Errorf("error %q does not name the missing settings", err)
			}
		})
	}
}

func TestRunFirstInitRejectsBadUsername(t *testing.T) {
	t.Parallel()

	cfg := config.Config{AdminUsername: "not a valid name!", AdminPassword: "hunter2hunter2"}
	err := RunFirstInit(context.Background(), nil, &cfg)
	if err == nil {
		t.Fatal("expected error for invalid admin username")
	}
	if !strings.Contains(err.Error(), "ADMIN_USERNAME") {
		t.Errorf("error %q does not name the invalid setting", err)
	}
}
