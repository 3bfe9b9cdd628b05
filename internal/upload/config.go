package upload

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	StagingDir    string                `mapstructure:"staging_dir"`
	StagingTTL    time.Duration         `mapstructure:"staging_ttl"`
	ChunkTimeout  time.Duration         `mapstructure:"chunk_timeout"`
	MaxChunkSize  int64                 `mapstructure:"max_chunk_size"`
	CustomDomains []string              `mapstructure:"custom_domains"`
	DefaultTier   string                `mapstructure:"default_tier"`
	Tiers         map[string]TierLimits `mapstructure:"tiers"`
}

// TierLimits are the plan limits for one tier. Quota is ignored for
// unlimited tiers; MaxFileSize always applies.
type TierLimits struct {
	MaxFileSize int64 `mapstructure:"max_file_size" json:"maxFileBytes"`
	Quota       int64 `mapstructure:"quota" json:"quotaBytes"`
	Unlimited   bool  `mapstructure:"unlimited" json:"unlimited"`
}

func (c *Config) Validate() error {
	if c.StagingDir == "" {
		return fmt.Errorf("staging_dir is required")
	}
	if c.ChunkTimeout <= 0 {
		return fmt.Errorf("chunk_timeout must be positive")
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max_chunk_size must be positive")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier must be configured")
	}
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		return fmt.Errorf("default tier %q is not configured", c.DefaultTier)
	}
	for name, limits := range c.Tiers {
		if limits.MaxFileSize <= 0 {
			return fmt.Errorf("tier %q: max_file_size must be positive", name)
		}
		if !limits.Unlimited && limits.Quota <= 0 {
			return fmt.Errorf("tier %q: quota must be positive unless unlimited", name)
		}
	}
	return nil
}

// Limits resolves a tier name, falling back to the default tier for names
// that are not configured.
func (c *Config) Limits(tier string) (string, TierLimits) {
	if limits, ok := c.Tiers[tier]; ok {
		return tier, limits
	}
	return c.DefaultTier, c.Tiers[c.DefaultTier]
}

func (c *Config) domainAllowed(domain string) bool {
	for _, allowed := range c.CustomDomains {
		if strings.EqualFold(allowed, domain) {
			return true
		}
	}
	return false
}
