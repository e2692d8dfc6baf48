//go:build !real_waku

package relay

import (
	"log/slog"

	"pika-chat/go-core/internal/config"

	"github.com/prometheus/client_golang/prometheus"
)

func NewWaku(cfg config.Waku, reg prometheus.Registerer, logger *slog.Logger) (Transport, error) {
	if _, err := ValidateBootstrapNodes(cfg.BootstrapNodes); err != nil {
		return nil, err
	}
	return nil, ErrWakuUnavailable
}
