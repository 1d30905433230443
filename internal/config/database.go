package config

import (
	"fmt"
	"strings"

	"tenantdb/internal/connstr"
)

// ResolvedBaseURL returns the base URL with the configured password and TLS
// mode applied.
func (d *DatabaseConfig) ResolvedBaseURL() (string, error) {
	target, err := connstr.Parse(d.BaseURL)
	if err != nil {
		return "", err
	}
	if d.Password != "" {
		target.Password = d.Password
	}
	if d.TLSMode != "" {
		key, value, err := tlsParam(target.Family(), d.TLSMode)
		if err != nil {
			return "", err
		}
		target.Params.Set(key, value)
	}
	return target.URL(), nil
}

// tlsParam maps a TLS mode onto the URL query parameter each driver family
// understands.
func tlsParam(family, mode string) (key, value string, err error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if family == connstr.FamilyMySQL {
		switch mode {
		case "off":
			return "tls", "false", nil
		case "skip-verify":
			return "tls", "skip-verify", nil
		case "verify-ca", "verify-full":
			return "tls", "true", nil
		}
	} else {
		switch mode {
		case "off":
			return "sslmode", "disable", nil
		case "skip-verify":
			return "sslmode", "require", nil
		case "verify-ca", "verify-full":
			return "sslmode", mode, nil
		}
	}
	return "", "", fmt.Errorf("unsupported TLS mode %q", mode)
}
