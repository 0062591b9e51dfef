package settlement

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameSpace = "settlement"
)

var (
	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "settlements_total",
			Help:      "committed settlements",
		},
		[]string{"kind", "currency"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "rejections_total",
			Help:      "settlement calls rejected or reverted",
		},
		[]string{"category"},
	)

	feesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "fees_total",
			Help:      "fees paid out in base units",
		},
		[]string{"kind"},
	)

	nonceCancelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "nonce_cancels_total",
			Help:      "explicit nonce cancellations",
		},
	)
)

func init() {
	prometheus.MustRegister(
		settlementsTotal,
		rejectionsTotal,
		feesTotal,
		nonceCancelsTotal,
	)
}

func metricSettlement(r *Receipt) {
	settlementsTotal.WithLabelValues(r.Kind, r.Currency).Inc()
	metricFee("exchange", r.CollectorFee)
	metricFee("royalty", r.RoyaltyFee)
	metricFee("affiliate", r.AffiliateFee)
}

func metricFee(kind string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	feesTotal.WithLabelValues(kind).Add(f)
}

func metricRejection(err error) {
	rejectionsTotal.WithLabelValues(Category(err)).Inc()
}
