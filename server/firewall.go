package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const (
	RuleTypeIpBan       = "ipBan"
	RuleTypeUsernameBan = "usernameBan"
	RuleTypeUuidBan     = "uuidBan"
)

// FirewallRule is one deny entry the manager holds for a domain.
type FirewallRule struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (r FirewallRule) String() string {
	return fmt.Sprintf("%s=%s", r.Type, r.Value)
}

type FirewallClient interface {
	// Check reports whether the session attributes match any deny rule the
	// manager holds for the domain. A non-nil error means the rules could
	// not be fetched; the caller decides whether that is fatal.
	Check(ctx context.Context, domain, ip, username, uuid string) (bool, *FirewallRule, error)
}

// NewFirewallClient builds a manager-backed firewall, or a permit-all stub
// when the manager is not configured.
func NewFirewallClient(managerAddress, apiKey string) FirewallClient {
	if managerAddress == "" || apiKey == "" {
		return &disabledFirewall{}
	}
	return &managerFirewall{
		baseUrl: managerAddress,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type disabledFirewall struct{}

func (f *disabledFirewall) Check(_ context.Context, _, _, _, _ string) (bool, *FirewallRule, error) {
	return false, nil, nil
}

type managerFirewall struct {
	baseUrl string
	apiKey  string
	client  *http.Client
}

func (f *managerFirewall) Check(ctx context.Context, domain, ip, username, uuid string) (bool, *FirewallRule, error) {
	rules, err := f.fetchRules(ctx, domain)
	if err != nil {
		return false, nil, err
	}

	for _, rule := range rules {
		switch rule.Type {
		case RuleTypeIpBan:
			if rule.Value == ip {
				return true, &rule, nil
			}
		case RuleTypeUsernameBan:
			if username != "" && rule.Value == username {
				return true, &rule, nil
			}
		case RuleTypeUuidBan:
			if uuid != "" && rule.Value == uuid {
				return true, &rule, nil
			}
		}
	}
	return false, nil, nil
}

func (f *managerFirewall) fetchRules(ctx context.Context, domain string) ([]FirewallRule, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/proxy/firewall/%s", f.baseUrl, url.PathEscape(domain)), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create firewall request")
	}
	req.Header.Set(apiKeyHeader, f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("manager responded with status %d", resp.StatusCode)
	}

	var rules []FirewallRule
	if err := json.NewDecoder(resp.Body).Decode(&rules); err != nil {
		return nil, errors.Wrap(err, "failed to decode firewall rules")
	}
	return rules, nil
}
