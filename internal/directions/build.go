package directions

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/config"
	"ecoroute/internal/httpx"
)

// New assembles the configured provider with its decorators. rdb may be nil.
func New(cfg config.DirectionsConfig, rdb *redis.Client, log logrus.FieldLogger) (Provider, error) {
	retry := httpx.NewRetrier(cfg.Timeout, cfg.RateRPS)
	retry.OnRetry = func(attempt int, err error) {
		log.WithError(err).WithFields(logrus.Fields{"provider": cfg.Provider, "attempt": attempt}).Warn("directions retry")
	}
	var p Provider
	switch cfg.Provider {
	case "", "straight":
		p = Straight{}
	case "google":
		if cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("directions: google provider needs an api key")
		}
		p = NewGoogle(cfg.GoogleURL, cfg.GoogleAPIKey, retry)
	case "osrm":
		p = NewOSRM(cfg.OSRMURL, retry)
	default:
		return nil, fmt.Errorf("directions: unknown provider %q", cfg.Provider)
	}
	if cfg.SimplifyDeg > 0 {
		p = NewSimplified(p, cfg.SimplifyDeg)
	}
	if rdb != nil && cfg.CacheTTL > 0 {
		p = NewCache(p, rdb, cfg.CacheTTL, log)
	}
	return NewInstrumented(p, log), nil
}
