package metrics

import (
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func registerPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, logger *log.Logger) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_acquired_conns",
			Help: "Store connections currently acquired",
		},
		func() float64 {
			return poolStat(pool, logger, func(s *pgxpool.Stat) int32 { return s.AcquiredConns() })
		},
	))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_idle_conns",
			Help: "Idle store connections",
		},
		func() float64 {
			return poolStat(pool, logger, func(s *pgxpool.Stat) int32 { return s.IdleConns() })
		},
	))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "db_pool_total_conns",
			Help: "Open store connections",
		},
		func() float64 {
			return poolStat(pool, logger, func(s *pgxpool.Stat) int32 { return s.TotalConns() })
		},
	))
}

func poolStat(pool *pgxpool.Pool, logger *log.Logger, read func(*pgxpool.Stat) int32) float64 {
	if pool == nil {
		return 0
	}
	stat := pool.Stat()
	if stat == nil {
		if logger != nil {
			logger.Printf("metrics pool stat unavailable")
		}
		return 0
	}
	return float64(read(stat))
}
