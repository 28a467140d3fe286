package api

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpsmartproxy/internal/config"
	"cdpsmartproxy/internal/logger"
	"cdpsmartproxy/pkg/domain"
)

func TestNewService(t *testing.T) {
	cfg := config.NewConfig()
	cfg.APIKey = "apikey"

	s, err := NewService(cfg, logger.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.Pages())
	assert.Equal(t, domain.SessionUnset, s.SessionStats().State)
	assert.Contains(t, s.LaunchFlags(), "--proxy-server="+config.DefaultProxyHost)
}

func TestNewServiceRejectsMissingKey(t *testing.T) {
	_, err := NewService(config.NewConfig(), nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
