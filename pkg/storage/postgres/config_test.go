package postgres

import (
	"strings"
	"testing"
)

func TestConfig_IsValid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{
			name: "valid config",
			cfg: Config{
				User:     "user",
				Password: "password",
				Host:     "localhost",
				Port:     "5432",
				DBName:   "comments",
			},
			want: true,
		},
		{
			name: "empty config",
			cfg:  Config{},
			want: false,
		},
		{
			name: "config with empty DBName",
			cfg: Config{
				User:     "user",
				Password: "password",
				Host:     "localhost",
				Port:     "5432",
				DBName:   "",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.IsValid(); got != tt.want {
				t.Errorf("Config.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_StringMasksPassword(t *testing.T) {
	cfg := Config{
		User:     "user",
		Password: "secret",
		Host:     "localhost",
		Port:     "5432",
		DBName:   "comments",
	}

	got := cfg.String()
	if strings.Contains(got, "secret") {
		t.Errorf("want password masked in %q", got)
	}
	if !strings.Contains(got, strings.Repeat("*", len("secret"))) {
		t.Errorf("want mask of password length in %q", got)
	}
}
