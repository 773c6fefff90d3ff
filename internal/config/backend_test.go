package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDSN(t *testing.T) {
	// url.URL escapes the brackets in userinfo.
	sanitized := sanitizeDSN("postgres://quanta:s3cret@db:5432/quanta")
	assert.NotContains(t, sanitized, "s3cret")
	assert.Contains(t, sanitized, "REDACTED")
	assert.Contains(t, sanitized, "@db:5432/quanta")

	assert.Equal(t, "host=db user=quanta password=[REDACTED] dbname=quanta",
		sanitizeDSN("host=db user=quanta password=s3cret dbname=quanta"))
	assert.Equal(t, "postgres://quanta@db/quanta", sanitizeDSN("postgres://quanta@db/quanta"))
}
