package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ManagerReporter posts connection metadata to the central manager on
// session admission. Best-effort: failures are logged and never affect the
// session lifecycle.
type ManagerReporter struct {
	url    string
	apiKey string

	client *http.Client
}

type connectionReport struct {
	FullDomain string `json:"fullDomain"`
	PlayerName string `json:"playerName"`
	PlayerIp   string `json:"playerIp"`
	PlayerUuid string `json:"playerUuid"`
}

// NewManagerReporter returns nil when the manager address or API key is
// unset; callers treat a nil reporter as disabled.
func NewManagerReporter(managerAddress, apiKey string) *ManagerReporter {
	if managerAddress == "" || apiKey == "" {
		return nil
	}
	return &ManagerReporter{
		url:    managerAddress + "/api/proxy/connections",
		apiKey: apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (m *ManagerReporter) ReportConnection(ctx context.Context, fullDomain, playerName, playerIp, playerUuid string) {
	if m == nil {
		return
	}

	payload, err := json.Marshal(&connectionReport{
		FullDomain: fullDomain,
		PlayerName: playerName,
		PlayerIp:   playerIp,
		PlayerUuid: playerUuid,
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal connection report")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewBuffer(payload))
	if err != nil {
		logrus.WithError(err).Error("Failed to create connection report request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, m.apiKey)

	go func() {
		resp, err := m.client.Do(req)
		if err != nil {
			logrus.WithError(err).Warn("Failed to report connection to manager")
			return
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 400 {
			logrus.
				WithField("status", resp.StatusCode).
				Warn("Manager responded to connection report with an error")
		}
	}()
}
