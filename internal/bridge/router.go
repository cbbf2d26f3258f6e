package bridge

import (
	"context"
	"sync"
)

// RouterStatus is the result of a BridgeRouter.GetStatus call.
type RouterStatus struct {
	Status       string // completed | failed | refunded | pending | bridging
	ErrorMessage string
}

// BridgeRouter is the out-of-scope collaborator that actually talks to a
// concrete bridge protocol. The core only depends on this interface.
type BridgeRouter interface {
	GetStatus(ctx context.Context, bridgeID string) (RouterStatus, error)
}

// BridgeRouterFactory resolves a BridgeRouter for a given route and token.
type BridgeRouterFactory interface {
	FindSupportedRouter(src, dst, token string) (BridgeRouter, bool)
}

// StaticRouterFactory is a concrete, in-core registration helper so
// BridgeRecoveryManager is independently testable without a live bridge
// client: routers are registered by (src, dst, token) and looked up the same
// way findSupportedRouter would against a real implementation.
type StaticRouterFactory struct {
	mu      sync.RWMutex
	routers map[string]BridgeRouter
}

// NewStaticRouterFactory creates an empty factory.
func NewStaticRouterFactory() *StaticRouterFactory {
	return &StaticRouterFactory{routers: make(map[string]BridgeRouter)}
}

func routerKey(src, dst, token string) string {
	return src + "|" + dst + "|" + token
}

// Register binds a router to a (src, dst, token) route.
func (f *StaticRouterFactory) Register(src, dst, token string, router BridgeRouter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routers[routerKey(src, dst, token)] = router
}

// FindSupportedRouter implements BridgeRouterFactory.
func (f *StaticRouterFactory) FindSupportedRouter(src, dst, token string) (BridgeRouter, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.routers[routerKey(src, dst, token)]
	return r, ok
}
