package attach

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the stats surface for one attach run: a small Prometheus
// registry a caller can scrape or snapshot after attach. It only exists
// when Config.MetricsEnabled is set, so the counters cost nothing when
// nobody is watching.
type Metrics struct {
	Registry *prometheus.Registry

	BadPEBs      prometheus.Gauge
	CorrPEBs     prometheus.Gauge
	AlienPEBs    prometheus.Gauge
	EmptyPEBs    prometheus.Gauge
	MaybeBadPEBs prometheus.Gauge
	VolsFound    prometheus.Gauge
	MeanEC       prometheus.Gauge
	MaxSqnum     prometheus.Counter
	PEBsScanned  prometheus.Counter
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BadPEBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_bad_peb_count", Help: "PEBs reported bad by the flash layer.",
		}),
		CorrPEBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_corr_peb_count", Help: "PEBs preserved on the corrupt list.",
		}),
		AlienPEBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_alien_peb_count", Help: "PEBs belonging to preserved internal volumes.",
		}),
		EmptyPEBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_empty_peb_count", Help: "PEBs found erased (all 0xFF).",
		}),
		MaybeBadPEBs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_maybe_bad_peb_count", Help: "PEBs that look like they are about to fail.",
		}),
		VolsFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_vols_found", Help: "Logical volumes discovered during attach.",
		}),
		MeanEC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ubi_attach_mean_ec", Help: "Mean erase counter used to fill in unknown ECs.",
		}),
		MaxSqnum: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ubi_attach_max_sqnum", Help: "Highest sequence number observed during attach.",
		}),
		PEBsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ubi_attach_pebs_scanned_total", Help: "PEBs classified so far.",
		}),
	}
	reg.MustRegister(m.BadPEBs, m.CorrPEBs, m.AlienPEBs, m.EmptyPEBs,
		m.MaybeBadPEBs, m.VolsFound, m.MeanEC, m.MaxSqnum, m.PEBsScanned)
	return m
}

// Metrics returns the run's metrics, or nil when Config.MetricsEnabled was
// off.
func (ai *Info) Metrics() *Metrics {
	return ai.metrics
}

// publishMetrics copies the terminal counters from ai onto the metrics
// registry once late analysis and fill-in have finished.
func (ai *Info) publishMetrics() {
	if ai.metrics == nil {
		return
	}
	ai.metrics.BadPEBs.Set(float64(ai.BadPebCount))
	ai.metrics.CorrPEBs.Set(float64(ai.CorrPebCount))
	ai.metrics.AlienPEBs.Set(float64(ai.AlienPebCount))
	ai.metrics.EmptyPEBs.Set(float64(ai.EmptyPebCount))
	ai.metrics.MaybeBadPEBs.Set(float64(ai.MaybeBadPebCount))
	ai.metrics.VolsFound.Set(float64(ai.VolsFound))
	ai.metrics.MeanEC.Set(float64(ai.MeanEC))
	// The registry is fresh per attach run, so a single Add records the
	// terminal max_sqnum despite the counter-only interface.
	ai.metrics.MaxSqnum.Add(float64(ai.MaxSqnum))
}
