package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcome label values.
const (
	OutcomeFetched     = "fetched"
	OutcomeReplayed    = "replayed"
	OutcomeFailed      = "failed"
	OutcomeParseFailed = "parse_failed"
	OutcomeStoreFailed = "store_failed"
)

var (
	pagesTotal        *prometheus.CounterVec
	fetchDuration     prometheus.Histogram
	placeholdersTotal prometheus.Counter
	rowsResolvedTotal prometheus.Counter
	linksDroppedTotal prometheus.Counter

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weaver_pages_total",
				Help: "Pages processed by the crawl, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weaver_fetch_duration_seconds",
				Help:    "Duration of successful page fetches including retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		placeholdersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "weaver_placeholders_created_total",
				Help: "Entity rows created for newly discovered locators.",
			},
		)

		rowsResolvedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "weaver_rows_resolved_total",
				Help: "Entity rows whose resolved links were recomputed.",
			},
		)

		linksDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "weaver_links_dropped_total",
				Help: "Raw links that matched no entity during resolution.",
			},
		)
	})
}

// Handler returns an http.Handler serving /metrics and /healthz.
func Handler() http.Handler {
	Init()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// NewServer builds the metrics HTTP server for addr.
func NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
