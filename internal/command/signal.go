package command

import (
	"fmt"
	"strings"
)

// APIKeyEnv is the variable the heartbeat wrapper reads the API key from.
// The key itself never appears in a generated command.
const APIKeyEnv = "SCRIPTD_API_KEY"

// HTTPSignaler reports heartbeats with curl against the daemon's HTTP API.
type HTTPSignaler struct {
	BaseURL string // e.g. http://127.0.0.1:8080
	// KeyEnv names the environment variable holding the X-API-Key value,
	// usually APIKeyEnv. Empty sends no header.
	KeyEnv string
}

func (h HTTPSignaler) Pulse(scriptID string) string {
	return h.curl(fmt.Sprintf("%s/api/heartbeat/%s/pulse", h.base(), safeID(scriptID)))
}

func (h HTTPSignaler) Finished(scriptID, code string) string {
	return h.curl(fmt.Sprintf("%s/api/heartbeat/%s/finished?code=%s", h.base(), safeID(scriptID), code))
}

func (h HTTPSignaler) base() string {
	return strings.TrimRight(h.BaseURL, "/")
}

func (h HTTPSignaler) curl(url string) string {
	header := ""
	if ValidEnvKey(h.KeyEnv) {
		header = fmt.Sprintf(` -H "X-API-Key: ${%s}"`, h.KeyEnv)
	}
	return fmt.Sprintf(`curl -fsS -m 5 -X POST%s "%s" >/dev/null 2>&1`, header, url)
}

// MQTTSignaler reports heartbeats with mosquitto_pub. The daemon's MQTT
// bridge subscribes to the same topics.
type MQTTSignaler struct {
	Host   string
	Port   int
	Prefix string // topic prefix, e.g. "scriptd"
}

func (m MQTTSignaler) Pulse(scriptID string) string {
	return m.pub(scriptID, "pulse", "-n")
}

func (m MQTTSignaler) Finished(scriptID, code string) string {
	return m.pub(scriptID, "finished", fmt.Sprintf(`-m "%s"`, code))
}

func (m MQTTSignaler) pub(scriptID, kind, payload string) string {
	host := m.Host
	if host == "" {
		host = "localhost"
	}
	port := m.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf(`mosquitto_pub -h %s -p %d -t "%s/heartbeat/%s/%s" %s >/dev/null 2>&1`,
		host, port, m.Prefix, safeID(scriptID), kind, payload)
}
