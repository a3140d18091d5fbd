package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
)

// autoTTL lets the provider pick the record TTL
const autoTTL = 1

// Record is a DNS record held by the provider
type Record struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

// Provisioner manages tenant DNS records. Both operations are idempotent by name.
type Provisioner interface {
	FQDN(subdomain string) string
	Upsert(ctx context.Context, fqdn string) (Record, error)
	Delete(ctx context.Context, fqdn string) error
}

// Client manages the tenant records of one Cloudflare zone
type Client struct {
	api        *cloudflare.API
	zone       *cloudflare.ResourceContainer
	baseDomain string
	target     string
	recordType string
	proxied    bool
}

// NewClient creates a provisioning client. opts are applied after the
// configured base URL and HTTP client.
func NewClient(cfg config.ProvisioningConfig, opts ...cloudflare.Option) (*Client, error) {
	recordType := cfg.RecordType
	if recordType == "" {
		recordType = "CNAME"
	}

	options := []cloudflare.Option{cloudflare.HTTPClient(&http.Client{Timeout: 15 * time.Second})}
	if cfg.BaseURL != "" {
		options = append(options, cloudflare.BaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken, append(options, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS provider client: %w", err)
	}

	return &Client{
		api:        api,
		zone:       cloudflare.ZoneIdentifier(cfg.ZoneID),
		baseDomain: strings.Trim(cfg.BaseDomain, "."),
		target:     cfg.Target,
		recordType: recordType,
		proxied:    cfg.Proxied,
	}, nil
}

// FQDN returns the tenant host name under the base domain
func (c *Client) FQDN(subdomain string) string {
	return strings.ToLower(subdomain) + "." + c.baseDomain
}

// Upsert creates the record for fqdn or updates it to point at the configured target
func (c *Client) Upsert(ctx context.Context, fqdn string) (Record, error) {
	existing, found, err := c.find(ctx, fqdn)
	if err != nil {
		return Record{}, err
	}

	if found && existing.Type == c.recordType && existing.Content == c.target && proxiedOf(existing) == c.proxied {
		log.Debug().Str("fqdn", fqdn).Str("record_id", existing.ID).Msg("DNS record already up to date")
		return recordOf(existing), nil
	}

	proxied := c.proxied
	var out cloudflare.DNSRecord
	if !found {
		out, err = c.api.CreateDNSRecord(ctx, c.zone, cloudflare.CreateDNSRecordParams{
			Type:    c.recordType,
			Name:    fqdn,
			Content: c.target,
			TTL:     autoTTL,
			Proxied: &proxied,
		})
	} else {
		out, err = c.api.UpdateDNSRecord(ctx, c.zone, cloudflare.UpdateDNSRecordParams{
			ID:      existing.ID,
			Type:    c.recordType,
			Name:    fqdn,
			Content: c.target,
			TTL:     autoTTL,
			Proxied: &proxied,
		})
	}
	if err != nil {
		return Record{}, classify("upsert "+fqdn, err)
	}

	log.Info().Str("fqdn", fqdn).Str("record_id", out.ID).Str("record_type", out.Type).Msg("DNS record provisioned")
	return recordOf(out), nil
}

// Delete removes the record for fqdn. A missing record is not an error.
func (c *Client) Delete(ctx context.Context, fqdn string) error {
	existing, found, err := c.find(ctx, fqdn)
	if err != nil || !found {
		return err
	}
	if err := c.api.DeleteDNSRecord(ctx, c.zone, existing.ID); err != nil {
		return classify("delete "+fqdn, err)
	}
	log.Info().Str("fqdn", fqdn).Str("record_id", existing.ID).Msg("DNS record deleted")
	return nil
}

func (c *Client) find(ctx context.Context, fqdn string) (cloudflare.DNSRecord, bool, error) {
	// One page is enough: a name holds at most a handful of records.
	records, _, err := c.api.ListDNSRecords(ctx, c.zone, cloudflare.ListDNSRecordsParams{
		Name:       fqdn,
		ResultInfo: cloudflare.ResultInfo{Page: 1, PerPage: 100},
	})
	if err != nil {
		return cloudflare.DNSRecord{}, false, classify("lookup "+fqdn, err)
	}
	for _, r := range records {
		if strings.EqualFold(r.Name, fqdn) {
			return r, true, nil
		}
	}
	return cloudflare.DNSRecord{}, false, nil
}

// typedError is implemented by the provider's request, auth, not found,
// rate limit and service errors
type typedError interface {
	error
	Type() cloudflare.ErrorType
}

// classify turns provider client errors other than throttling into business
// rejections, which are not retried. Everything else stays retryable.
func classify(op string, err error) error {
	var cfErr typedError
	if errors.As(err, &cfErr) {
		switch cfErr.Type() {
		case cloudflare.ErrorTypeRequest, cloudflare.ErrorTypeAuthentication,
			cloudflare.ErrorTypeAuthorization, cloudflare.ErrorTypeNotFound:
			return domain.Reject("dns_provider", "%s rejected: %s", op, cfErr.Error())
		}
	}
	return fmt.Errorf("DNS provider %s failed: %w", op, err)
}

func proxiedOf(r cloudflare.DNSRecord) bool {
	return r.Proxied != nil && *r.Proxied
}

func recordOf(r cloudflare.DNSRecord) Record {
	return Record{
		ID:      r.ID,
		Type:    r.Type,
		Name:    r.Name,
		Content: r.Content,
		Proxied: proxiedOf(r),
		TTL:     r.TTL,
	}
}
