package safeflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifyHost(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"azurite wins", map[string]string{"AZURITE_ACCOUNTS": "x", "HOSTNAME": "box"}, "local-azurite"},
		{"azure instance", map[string]string{"WEBSITE_INSTANCE_ID": "abc", "HOSTNAME": "box"}, "azure-abc"},
		{"container", map[string]string{"HOSTNAME": "box"}, "docker-box"},
		{"machine", map[string]string{"COMPUTERNAME": "desk"}, "machine-desk"},
		{"nothing", map[string]string{"HOSTNAME": "  "}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := identifyHost(func(key string) string { return tc.env[key] })
			assert.Equal(t, tc.want, got)
		})
	}
	assert.NotEmpty(t, IdentifyHost())
}
