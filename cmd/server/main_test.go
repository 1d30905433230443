package main

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"tenantdb/internal/config"
	"tenantdb/internal/dberr"
)

func TestReportValidation(t *testing.T) {
	tests := []struct {
		name      string
		result    *config.ValidationResult
		expectErr bool
		wantLogs  []string
	}{
		{
			name:   "clean",
			result: &config.ValidationResult{},
		},
		{
			name: "warnings only",
			result: &config.ValidationResult{
				Warnings: []config.ValidationWarning{{Field: "server.admin.auth_token", Message: "admin endpoints are unauthenticated"}},
			},
			wantLogs: []string{"configuration warning", "server.admin.auth_token"},
		},
		{
			name: "errors fail",
			result: &config.ValidationResult{
				Errors: []config.ValidationError{{Field: "database.base_url", Message: "base URL is required"}},
			},
			expectErr: true,
			wantLogs:  []string{"configuration error", "database.base_url"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			err := reportValidation(logger, tt.result)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				var cfgErr *dberr.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigurationError, got %T", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.wantLogs {
				if !strings.Contains(buf.String(), want) {
					t.Fatalf("log output %q missing %q", buf.String(), want)
				}
			}
		})
	}
}
