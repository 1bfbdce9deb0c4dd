package config

import (
    "strings"
    "time"
)

// CacheConfig controls the Redis response cache placed in front of the
// contractor nearby-requests listing.  Open HELP! requests churn quickly, so
// the TTL stays in the seconds range.  KeyStrategy decides which request
// parts make up the key; the listing is per-contractor so the default
// includes the user.
type CacheConfig struct {
    Enabled      bool
    Methods      map[string]bool
    TTL          time.Duration
    KeyStrategy  string
    Prefix       string
    MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* variables, falling back to defaults.
func LoadCacheConfig() CacheConfig {
    cfg := CacheConfig{
        Enabled:      envBool("CACHE_ENABLED", true),
        Methods:      parseMethods(envStr("CACHE_METHODS", "GET")),
        TTL:          envDur("CACHE_TTL", 5*time.Second),
        KeyStrategy:  envStr("CACHE_KEY_STRATEGY", "user_route_query"),
        Prefix:       envStr("CACHE_PREFIX", "nearby"),
        MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 256<<10),
    }
    if cfg.TTL <= 0 {
        cfg.TTL = 5 * time.Second
    }
    return cfg
}

func parseMethods(s string) map[string]bool {
    m := map[string]bool{}
    for _, p := range strings.Split(s, ",") {
        p = strings.TrimSpace(strings.ToUpper(p))
        if p != "" {
            m[p] = true
        }
    }
    return m
}
