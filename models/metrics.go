package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	opLabel = "op"
)

var (
	spaceCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spatialgrid_space_count",
		Help: "The number of spaces.",
	})

	spaceCountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spatialgrid_space_count_total",
		Help: "The total number of created spaces.",
	})

	bodyCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spatialgrid_body_count",
		Help: "The number of bodies indexed across all spaces.",
	})

	gridCellCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spatialgrid_grid_cells",
		Help: "The number of materialized grid cells across all spaces.",
	})

	gridOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spatialgrid_grid_ops_total",
		Help: "The number of grid operations.",
	}, []string{opLabel})
)

func instrumentIncreaseSpaceGauge() {
	spaceCount.Inc()
	spaceCountTotal.Inc()
}

func instrumentDecreaseSpaceGauge() {
	spaceCount.Dec()
}

func instrumentBodyCount(delta int) {
	bodyCount.Add(float64(delta))
}

func instrumentGridCells(delta int) {
	gridCellCount.Add(float64(delta))
}

func instrumentGridOp(op string) {
	gridOps.
		With(prometheus.Labels{opLabel: op}).
		Inc()
}
