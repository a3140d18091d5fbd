package quorum

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

// DefaultSourceTimeout bounds each source query
const DefaultSourceTimeout = 5 * time.Second

// Source answers one verification query
type Source interface {
	Name() string
	Resolve(ctx context.Context, fqdn string) ([]string, error)
}

// Verifier asks several independent sources the same question and accepts the
// answer only when a two-thirds quorum of them agrees. Sources agree when their
// answer sets share the address most sources returned, so disjoint answers
// never add up to a quorum.
type Verifier struct {
	sources []Source
	timeout time.Duration
}

// NewVerifier creates a verifier over sources
func NewVerifier(sources []Source, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultSourceTimeout
	}
	return &Verifier{sources: sources, timeout: timeout}
}

// NewDNSVerifier creates a verifier querying the configured nameservers
func NewDNSVerifier(cfg config.QuorumConfig) *Verifier {
	sources := make([]Source, 0, len(cfg.Nameservers))
	for _, ns := range cfg.Nameservers {
		sources = append(sources, NewDNSSource(ns))
	}
	return NewVerifier(sources, cfg.SourceTimeout)
}

// Required returns the number of agreeing sources needed out of n: ceil(2n/3)
func Required(n int) int {
	return (2*n + 2) / 3
}

// Verify resolves fqdn on every source in parallel. Each source has its own
// timeout, so a slow source only costs its own vote. The returned event carries
// every source response, also when the quorum was missed; in that case the
// error wraps domain.ErrQuorumNotReached.
func (v *Verifier) Verify(ctx context.Context, fqdn string) (domain.DNSVerifiedEvent, error) {
	responses := make([]domain.SourceResponse, len(v.sources))

	var g errgroup.Group
	for i, source := range v.sources {
		i, source := i, source
		g.Go(func() error {
			responses[i] = v.ask(ctx, source, fqdn)
			return nil
		})
	}
	_ = g.Wait()

	consensus := consensusOf(responses)
	agreeing := 0
	for i := range responses {
		responses[i].Agreed = consensus != "" && contains(responses[i].Answers, consensus)
		if responses[i].Agreed {
			agreeing++
		}
	}

	result := domain.DNSVerifiedEvent{
		FQDN:      fqdn,
		Agreeing:  agreeing,
		Required:  Required(len(v.sources)),
		Consensus: consensus,
		Responses: responses,
	}

	logger := log.With().Str("fqdn", fqdn).Str("consensus", consensus).Int("agreeing", agreeing).Int("required", result.Required).Logger()
	if len(v.sources) == 0 || agreeing < result.Required {
		metrics.Get().Inc(metrics.CounterQuorumFailures)
		logger.Warn().Msg("DNS quorum not reached")
		return result, fmt.Errorf("%w: %d of %d sources agreed on %s, %d required",
			domain.ErrQuorumNotReached, agreeing, len(v.sources), fqdn, result.Required)
	}
	logger.Info().Msg("DNS quorum reached")
	return result, nil
}

func (v *Verifier) ask(ctx context.Context, source Source, fqdn string) domain.SourceResponse {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	started := time.Now()
	answers, err := resolve(ctx, source, fqdn)
	resp := domain.SourceResponse{
		Source:   source.Name(),
		Answers:  answers,
		Duration: time.Since(started).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// consensusOf returns the address returned by the most sources, the lowest
// one on a tie. Answers are normalized, so each source counts once per address.
func consensusOf(responses []domain.SourceResponse) string {
	votes := make(map[string]int)
	for _, r := range responses {
		for _, a := range r.Answers {
			votes[a]++
		}
	}
	best := ""
	for addr, n := range votes {
		if n > votes[best] || (n == votes[best] && addr < best) {
			best = addr
		}
	}
	return best
}

func contains(answers []string, addr string) bool {
	i := sort.SearchStrings(answers, addr)
	return i < len(answers) && answers[i] == addr
}

// resolve stops waiting for a source when ctx ends, even if the source ignores ctx
func resolve(ctx context.Context, source Source, fqdn string) ([]string, error) {
	type result struct {
		answers []string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		answers, err := source.Resolve(ctx, fqdn)
		done <- result{answers: answers, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return normalize(r.answers), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", source.Name(), ctx.Err())
	}
}

func normalize(answers []string) []string {
	seen := make(map[string]bool, len(answers))
	out := make([]string, 0, len(answers))
	for _, a := range answers {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
