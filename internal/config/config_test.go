package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default-org", cfg.Organization.ID)
	assert.Equal(t, "0.2", cfg.VATRate().String())
	assert.Equal(t, 72*time.Hour, cfg.LinkTTL())
	assert.Equal(t, 2*time.Second, cfg.Notify.Interval())
	assert.True(t, cfg.Server.AllowLegacyActorHeader)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
organization:
  id: garage-1
intake:
  arrival_tracking: true
  checkin_enabled: true
notify:
  webhooks:
    - url: https://hooks.example.test/rl
      secret: s3cret
      events: [authorized, declined]
`))
	require.NoError(t, err)
	assert.Equal(t, "garage-1", cfg.Organization.ID)
	assert.True(t, cfg.Intake.CheckinEnabled)
	assert.Equal(t, 0.20, cfg.Pricing.VATRate)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Notify.Webhooks, 1)
	assert.True(t, cfg.Notify.Webhooks[0].IsEnabled())
	assert.Equal(t, []string{"authorized", "declined"}, cfg.Notify.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"vat":      "pricing:\n  vat_rate: 1.5\n",
		"negvat":   "pricing:\n  vat_rate: -0.1\n",
		"org":      "organization:\n  id: \"\"\n",
		"ttl":      "portal:\n  link_ttl_hours: 0\n",
		"format":   "log:\n  format: xml\n",
		"webhook":  "notify:\n  webhooks:\n    - url: ftp://nope\n",
		"redis":    "notify:\n  redis:\n    addr: localhost:6379\n",
		"mqtt":     "notify:\n  mqtt:\n    broker: tcp://localhost:1883\n",
		"mqtt-qos": "notify:\n  mqtt:\n    broker: tcp://localhost:1883\n    topic: rl\n    qos: 3\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
	_, err := FromYAML([]byte("::not yaml"))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "default-org", cfg.Organization.ID)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "repairline.yml"), []byte("organization:\n  id: site-9\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "site-9", cfg.Organization.ID)
}
