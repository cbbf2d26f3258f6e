package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubRouter struct {
	status RouterStatus
}

func (s stubRouter) GetStatus(ctx context.Context, bridgeID string) (RouterStatus, error) {
	return s.status, nil
}

func TestStaticRouterFactoryRegisterAndFind(t *testing.T) {
	f := NewStaticRouterFactory()
	router := stubRouter{status: RouterStatus{Status: "completed"}}
	f.Register("ethereum", "arbitrum", "USDC", router)

	got, ok := f.FindSupportedRouter("ethereum", "arbitrum", "USDC")
	assert.True(t, ok)
	status, err := got.GetStatus(context.Background(), "bridge-1")
	assert.NoError(t, err)
	assert.Equal(t, "completed", status.Status)
}

func TestStaticRouterFactoryMissingRoute(t *testing.T) {
	f := NewStaticRouterFactory()
	_, ok := f.FindSupportedRouter("ethereum", "optimism", "USDC")
	assert.False(t, ok)
}
