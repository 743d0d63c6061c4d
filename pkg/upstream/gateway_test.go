package upstream_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jkoelker/switchyard/pkg/catalog"
	"github.com/jkoelker/switchyard/pkg/gateway"
)

type allowAll struct{}

func (allowAll) HasPermission(string, string, string) bool { return true }

func TestGatewaySyncSurvivesCredentialRecovery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, catalog.Catalog{}, remoteServer("linear"))

	stale := newFakeClient("stale", "create-ticket")
	f.factory.serve("linear", stale)
	require.NoError(t, f.handler.Initialize(context.Background()))

	gw := gateway.New(zaptest.NewLogger(t), "switchyard", "test", f.handler, allowAll{}, f.tracker)
	f.handler.RegisterPostChangeHook("gateway", gw.OnTargetServersChanged)

	stale.failWith(fmt.Errorf("request failed: 401 Unauthorized"))
	f.oauth.tokens["linear"] = newFakeClient("fresh", "create-ticket")

	done := make(chan error, 1)

	go func() {
		done <- gw.Sync(context.Background())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Sync blocked while the target server recovered its credentials")
	}

	assert.True(t, stale.closed.Load())

	_, ok := gw.Registry().Lookup(gateway.CapabilityKey{Type: gateway.CapabilityTool, Name: "linear__create-ticket"})
	require.True(t, ok)

	request := mcp.CallToolRequest{}
	request.Params.Name = "create-ticket"

	result, err := f.handler.CallTool(context.Background(), "linear", request)
	require.NoError(t, err)
	assert.Equal(t, "fresh:create-ticket", result.Content[0].(mcp.TextContent).Text)
}
