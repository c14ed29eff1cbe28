package hostallow

import (
	"flag"
	"testing"

	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAllows(t *testing.T) {
	l := Parse("example.com, *.example.org ,10.0.0.0/8,192.168.1.7,2001:db8::/32")

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"EXAMPLE.com.", true},
		{"www.example.com", false},
		{"api.example.org", true},
		{"deep.api.example.org", true},
		{"example.org", false},
		{"notexample.org", false},
		{"10.1.2.3", true},
		{"11.0.0.1", false},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"2001:db8::1", true},
		{"::ffff:10.0.0.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Allows(tt.host))
		})
	}
}

func TestBeforeTunnel(t *testing.T) {
	l := Parse("example.com,127.0.0.1")

	req := types.HTTPRequest{Method: "GET", URL: "https://example.com:8443/path"}
	got, err := l.BeforeTunnel("1", req)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = l.BeforeTunnel("2", types.HTTPRequest{URL: "http://[::1]/"})
	assert.ErrorIs(t, err, ErrNotAllowed)

	_, err = l.BeforeTunnel("3", types.HTTPRequest{URL: "http://127.0.0.1:9000/"})
	assert.NoError(t, err)

	_, err = l.BeforeTunnel("4", types.HTTPRequest{URL: "not a url"})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestPluginFlags(t *testing.T) {
	p := New()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	p.RegisterFlags(fs)
	assert.False(t, p.Enabled())

	require.NoError(t, fs.Parse([]string{"-allow-host", "example.com"}))
	assert.True(t, p.Enabled())
	assert.Equal(t, "hostallow", p.Name())
	require.Len(t, p.RequestHooks(), 1)
	assert.Nil(t, p.ConnectionHooks())
}
