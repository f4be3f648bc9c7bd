package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes the history database pool as gauges.
func RegisterPgxPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) error {
	gauges := map[string]struct {
		help string
		fn   func(*pgxpool.Stat) float64
	}{
		"acquired_conns": {"Connections currently checked out of the history pool", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }},
		"idle_conns":     {"Idle connections in the history pool", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }},
		"total_conns":    {"Open connections in the history pool", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }},
		"max_conns":      {"Connection limit of the history pool", func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }},
	}
	for name, g := range gauges {
		fn := g.fn
		err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rollout_history_pool_" + name,
			Help: g.help,
		}, func() float64 {
			return fn(pool.Stat())
		}))
		if err != nil {
			return err
		}
	}
	return nil
}
