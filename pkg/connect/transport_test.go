package connect_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/switchyard/pkg/connect"
	"github.com/jkoelker/switchyard/pkg/upstream"
)

func TestWithAuthDetection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	client := connect.WithAuthDetection(server.Client())

	request, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(request) //nolint:bodyclose
	require.ErrorIs(t, err, upstream.ErrAuthenticationRequired)
	assert.True(t, upstream.IsAuthenticationError(err))

	request.Header.Set("Authorization", "Bearer good")

	resp, err := client.Do(request)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestWithAuthDetectionKeepsOriginalClient(t *testing.T) {
	t.Parallel()

	original := &http.Client{}
	detecting := connect.WithAuthDetection(original)

	assert.Nil(t, original.Transport)
	assert.NotNil(t, detecting.Transport)
	assert.NotNil(t, connect.WithAuthDetection(nil).Transport)
}
