package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lanmeet/lanmeet/internal/config"
)

func TestGatewayAddrFlagOverridesConfig(t *testing.T) {
	cfg := &config.Config{GatewayAddr: ":8080"}

	assert.Equal(t, ":9090", gatewayAddr(cfg, ":9090"))
	assert.Equal(t, ":8080", gatewayAddr(cfg, ""))
}
