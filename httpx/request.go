package httpx

import (
	"io"
	"net/http"

	"github.com/tanq16/rangeget/uerror"
)

// RequestContent performs a one-shot GET and returns the status code
// and response body. It shares the error translation used by the
// download paths; status 0 means no response arrived.
func RequestContent(client *Client, rawURL string) (int, string, error) {
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return 0, "", uerror.Wrap(uerror.InvalidParam, err)
	}
	resp, doErr := client.Do(req)
	if doErr != nil {
		if terr := uerror.Translate(0, doErr, nil, false); terr != nil {
			return 0, "", terr
		}
		return 0, "", uerror.Wrap(uerror.NetworkError, doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, string(body), uerror.Wrap(uerror.NetworkError, readErr)
	}
	if terr := uerror.Translate(resp.StatusCode, nil, nil, false); terr != nil {
		return resp.StatusCode, string(body), terr
	}
	return resp.StatusCode, string(body), nil
}
