package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dotsetgreg/dotrecall/pkg/config"
)

const (
	credentialOAuthToken     = "oauth_access_token"
	credentialOAuthTokenFile = "oauth_token_file"
)

// credential is one configured secret and the config field it came from.
type credential struct {
	mode  string
	field string
	value string
}

func (c credential) auth() AuthStrategy {
	switch c.mode {
	case credentialOAuthToken:
		return NewBearerTokenAuth(NewStaticTokenSource(c.value, c.field))
	case credentialOAuthTokenFile:
		return NewBearerTokenAuth(NewFileTokenSource(c.value))
	default:
		return NewAPIKeyAuth(NewStaticTokenSource(c.value, c.field))
	}
}

// resolve picks the single configured credential of the backend. Having none,
// or more than one, is a configuration error.
func (b backend) resolve(cfg *config.Config) (credential, error) {
	candidates := b.credentials(cfg)
	var set []credential
	for _, c := range candidates {
		if c.value = strings.TrimSpace(c.value); c.value != "" {
			set = append(set, c)
		}
	}

	switch len(set) {
	case 0:
		return credential{}, fmt.Errorf("%s credentials are required (set %s)", b.label, strings.Join(fieldNames(candidates), " or "))
	case 1:
	default:
		return credential{}, fmt.Errorf("multiple %s credential sources configured (%s); set exactly one", b.label, strings.Join(fieldNames(set), ", "))
	}

	chosen := set[0]
	if chosen.mode == credentialOAuthTokenFile {
		path := expandHome(chosen.value)
		if _, err := os.Stat(path); err != nil {
			return credential{}, fmt.Errorf("%s OAuth token file not accessible at %s: %w", b.label, path, err)
		}
	}
	return chosen, nil
}

func fieldNames(creds []credential) []string {
	names := make([]string, 0, len(creds))
	for _, c := range creds {
		names = append(names, c.field)
	}
	sort.Strings(names)
	return names
}
