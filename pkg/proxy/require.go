package proxy

import (
	"os"

	apierrors "github.com/stacklok/capsule-broker/pkg/errors"
)

// RequireProxy enforces PROXY_REQUIRED: when set to a truthy value, the
// caller must also have one of the standard *_PROXY environment variables
// set, or RequireProxy fails. This guards against a stub silently talking
// to the network directly when an operator mandated routing through this
// proxy.
func RequireProxy(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	required := getenv("PROXY_REQUIRED")
	if required == "" || required == "0" || required == "false" || required == "False" {
		return nil
	}
	for _, v := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if getenv(v) != "" {
			return nil
		}
	}
	return apierrors.NewConfigurationError("proxy required but HTTP(S)_PROXY not set", nil)
}
