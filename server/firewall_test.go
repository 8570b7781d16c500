package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRulesServer(t *testing.T, rules string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/proxy/firewall/example.com", r.URL.Path)
		assert.Equal(t, "manager-key", r.Header.Get(apiKeyHeader))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(rules))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFirewall_Matching(t *testing.T) {
	tests := []struct {
		name     string
		rules    string
		blocked  bool
		ruleType string
	}{
		{
			name:    "no rules",
			rules:   `[]`,
			blocked: false,
		},
		{
			name:     "ip ban",
			rules:    `[{"type": "ipBan", "value": "1.2.3.4"}]`,
			blocked:  true,
			ruleType: RuleTypeIpBan,
		},
		{
			name:     "username ban",
			rules:    `[{"type": "usernameBan", "value": "alice"}]`,
			blocked:  true,
			ruleType: RuleTypeUsernameBan,
		},
		{
			name:     "uuid ban",
			rules:    `[{"type": "uuidBan", "value": "069a79f444e94726a5befca90e38aaf5"}]`,
			blocked:  true,
			ruleType: RuleTypeUuidBan,
		},
		{
			name:    "non-matching rules",
			rules:   `[{"type": "ipBan", "value": "9.9.9.9"}, {"type": "usernameBan", "value": "mallory"}]`,
			blocked: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRulesServer(t, tt.rules)
			firewall := NewFirewallClient(srv.URL, "manager-key")

			blocked, rule, err := firewall.Check(context.Background(),
				"example.com", "1.2.3.4", "alice", "069a79f444e94726a5befca90e38aaf5")
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, blocked)
			if tt.blocked {
				require.NotNil(t, rule)
				assert.Equal(t, tt.ruleType, rule.Type)
			}
		})
	}
}

func TestFirewall_EmptyUsernameNeverMatchesUsernameBan(t *testing.T) {
	srv := newRulesServer(t, `[{"type": "usernameBan", "value": ""}, {"type": "uuidBan", "value": ""}]`)
	firewall := NewFirewallClient(srv.URL, "manager-key")

	blocked, _, err := firewall.Check(context.Background(), "example.com", "1.2.3.4", "", "")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestFirewall_FetchFailureReturnsError(t *testing.T) {
	firewall := NewFirewallClient("http://127.0.0.1:0", "manager-key")

	_, _, err := firewall.Check(context.Background(), "example.com", "1.2.3.4", "alice", "")
	assert.Error(t, err)
}

func TestFirewall_DisabledWithoutManager(t *testing.T) {
	firewall := NewFirewallClient("", "")

	blocked, rule, err := firewall.Check(context.Background(), "example.com", "1.2.3.4", "alice", "")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Nil(t, rule)
}
