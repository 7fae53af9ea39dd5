package proxy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSetLoggerConcurrentWithProxies(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	l := zap.NewExample()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetLogger(l)
		}()
		go func() {
			defer wg.Done()
			_ = New(NewMockBridge(nil), WithSequence(NewSequence(0)), WithScriptLoader(NewScriptLoader(nil)))
		}()
	}
	wg.Wait()
	assert.Same(t, l, Logger())

	SetLogger(nil)
	assert.NotNil(t, Logger())
}
