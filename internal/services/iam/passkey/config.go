package passkey

import (
	"fmt"
	"strings"
	"time"

)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"IAM_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"IAM"`
	RPID          string        `env:"IAM_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"IAM_WEBAUTHN_RP_ORIGINS"      envDefault:"http://localhost:8080" envSeparator:","`
	CeremonyTTL   time.Duration `env:"IAM_WEBAUTHN_CEREMONY_TTL"    envDefault:"5m"`
}

// Validate checks that the relying party can be constructed.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RPID) == "" {
		return fmt.Errorf("webauthn rp id is required")
	}
	if strings.TrimSpace(c.RPDisplayName) == "" {
		return fmt.Errorf("webauthn rp display name is required")
	}
	if len(c.RPOrigins) == 0 {
		return fmt.Errorf("at least one webauthn origin is required")
	}
	if c.CeremonyTTL <= 0 {
		return fmt.Errorf("ceremony ttl must be positive")
	}
	return nil
}
