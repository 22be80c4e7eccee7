package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	token   bool
	enabled bool
}

func (f fakeCreds) HasToken() bool { return f.token }
func (f fakeCreds) Enabled() bool  { return f.enabled }

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"local", LocalOnly, false},
		{"cloud", CloudOnly, false},
		{"hybrid", Hybrid, false},
		{"", Hybrid, false},
		{"bluetooth", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestSelectorPolicy(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		offline bool
		creds   fakeCreds
		want    Route
	}{
		{"local only", LocalOnly, false, fakeCreds{}, UseLocal},
		{"cloud only with token", CloudOnly, false, fakeCreds{token: true, enabled: true}, UseCloud},
		{"cloud only without token", CloudOnly, false, fakeCreds{}, UseNeitherOffline},
		{"cloud only disabled by account", CloudOnly, false, fakeCreds{token: true, enabled: false}, UseNeitherOffline},
		{"hybrid prefers local", Hybrid, false, fakeCreds{token: true, enabled: true}, UseLocal},
		{"hybrid without credential still local", Hybrid, false, fakeCreds{}, UseLocal},
		{"administratively offline wins", CloudOnly, true, fakeCreds{token: true, enabled: true}, UseNeitherOffline},
		{"offline local device", LocalOnly, true, fakeCreds{}, UseNeitherOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(tt.creds)
			assert.Equal(t, tt.want, s.Select(tt.mode, tt.offline))
		})
	}
}

func TestCloudFallback(t *testing.T) {
	withCreds := NewSelector(fakeCreds{token: true, enabled: true})
	withoutCreds := NewSelector(fakeCreds{})

	assert.True(t, withCreds.CloudFallback(Hybrid))
	assert.False(t, withoutCreds.CloudFallback(Hybrid))
	assert.False(t, withCreds.CloudFallback(LocalOnly), "fallback is a hybrid-only escalation")
	assert.False(t, withCreds.CloudFallback(CloudOnly))
}
