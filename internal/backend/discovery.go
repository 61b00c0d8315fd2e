// Package backend selects which image generation endpoint a run talks to.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
)

// Discover probes candidates in priority order and returns the first one the
// prober accepts. A candidate that answers 200 with a body of the wrong shape
// (an HTML page from a reverse proxy, say) is rejected by the prober.
//
// When nothing answers, the result is a *job.ConfigurationError; callers must
// surface it instead of falling back to a default.
func Discover(ctx context.Context, candidates []string, probe interfaces.Prober, timeout time.Duration, logger *logrus.Logger) (string, error) {
	cfgErr := &job.ConfigurationError{}

	for _, candidate := range candidates {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := probe(probeCtx, candidate)
		cancel()

		if err == nil {
			logger.WithField("endpoint", candidate).Info("Backend verified")
			return candidate, nil
		}

		logger.WithError(err).WithField("endpoint", candidate).Warn("Backend candidate rejected")
		cfgErr.Candidates = append(cfgErr.Candidates, candidate)
		cfgErr.Reasons = append(cfgErr.Reasons, err.Error())
	}

	return "", cfgErr
}
