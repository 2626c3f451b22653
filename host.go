package safeflow

import (
	"os"
	"strings"
)

// IdentifyHost names the host running the current process from the
// environment.
func IdentifyHost() string {
	return identifyHost(os.Getenv)
}

func identifyHost(getenv func(string) string) string {
	if v := strings.TrimSpace(getenv("AZURITE_ACCOUNTS")); v != "" {
		return "local-azurite"
	}
	if v := strings.TrimSpace(getenv("WEBSITE_INSTANCE_ID")); v != "" {
		return "azure-" + v
	}
	if v := strings.TrimSpace(getenv("HOSTNAME")); v != "" {
		return "docker-" + v
	}
	if v := strings.TrimSpace(getenv("COMPUTERNAME")); v != "" {
		return "machine-" + v
	}
	return "unknown"
}
