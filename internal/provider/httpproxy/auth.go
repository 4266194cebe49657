package httpproxy

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"proxytun/internal/core"
)

const proxyAuthHeader = "Proxy-Authorization"

// errCredentialsRejected marks a 407 answered to a request that already
// carried credentials.
var errCredentialsRejected = errors.New("proxy rejected credentials")

// basicAuth returns the Proxy-Authorization value for username/password.
func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// authTransport answers at most one proxy challenge per request.
// A 407 for a request without Proxy-Authorization is retried once with
// Basic credentials; a 407 for a request that already had them is an
// authentication failure.
type authTransport struct {
	base     http.RoundTripper
	username string
	password string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		return resp, nil
	}
	drainClose(resp)

	if req.Header.Get(proxyAuthHeader) != "" {
		return nil, core.NewError(core.KindAuthentication, "proxy auth", errCredentialsRejected)
	}

	retry := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, core.NewError(core.KindAuthentication, "proxy auth",
				errors.New("challenge on non-replayable request"))
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set(proxyAuthHeader, basicAuth(t.username, t.password))
	core.Log.Debugf("HTTP", "Answering proxy challenge for %s", req.URL.Host)

	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		drainClose(resp)
		return nil, core.NewError(core.KindAuthentication, "proxy auth", errCredentialsRejected)
	}
	return resp, nil
}

// drainClose discards a small amount of the body so the connection can be
// reused, then closes it.
func drainClose(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	resp.Body.Close()
}
