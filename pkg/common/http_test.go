package common

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	var gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := HTTPClient(5 * time.Second)
	resp, err := c.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, strings.HasPrefix(gotUA, "EcoGuardEngine/"), "unexpected user-agent: %s", gotUA)
	assert.Equal(t, 5*time.Second, c.Timeout)
}

func TestHTTPClientDoesNotMutateOriginalRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL, nil)
	require.NoError(t, err)

	c := HTTPClient(time.Second)
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// the user-agent is set on a clone, not the caller's request
	assert.Empty(t, req.Header.Get("User-Agent"))
}
